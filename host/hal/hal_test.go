package hal

import (
	"testing"
)

// wordBus is a 32-bit only register file. Narrow accesses are recorded as
// violations.
type wordBus struct {
	t      *testing.T
	regs   map[uint16]uint32
	writes []uint16
}

func newWordBus(t *testing.T) *wordBus {
	return &wordBus{t: t, regs: make(map[uint16]uint32)}
}

func (b *wordBus) Read32(offset uint16) uint32 {
	if offset&3 != 0 {
		b.t.Errorf("unaligned 32-bit read at 0x%02x", offset)
	}
	return b.regs[offset]
}

func (b *wordBus) Write32(offset uint16, value uint32) {
	if offset&3 != 0 {
		b.t.Errorf("unaligned 32-bit write at 0x%02x", offset)
	}
	b.regs[offset] = value
	b.writes = append(b.writes, offset)
}

func (b *wordBus) Read16(offset uint16) uint16 {
	b.t.Errorf("16-bit read at 0x%02x", offset)
	return 0
}

func (b *wordBus) Read8(offset uint16) uint8 {
	b.t.Errorf("8-bit read at 0x%02x", offset)
	return 0
}

func (b *wordBus) Write16(offset uint16, _ uint16) {
	b.t.Errorf("16-bit write at 0x%02x", offset)
}

func (b *wordBus) Write8(offset uint16, _ uint8) {
	b.t.Errorf("8-bit write at 0x%02x", offset)
}

var _ Bus = (*wordBus)(nil)

// =============================================================================
// Access32 Tests
// =============================================================================

func TestAccess32_NarrowReads(t *testing.T) {
	bus := newWordBus(t)
	bus.regs[RegClockControl] = 0x0E_0F_4007 // reset=0x0E timeout=0x0F clock=0x4007
	a := NewAccess32(bus)

	if got := a.Read16(RegClockControl); got != 0x4007 {
		t.Errorf("Read16(clock) = 0x%04x, want 0x4007", got)
	}
	if got := a.Read8(RegTimeout); got != 0x0F {
		t.Errorf("Read8(timeout) = 0x%02x, want 0x0F", got)
	}
	if got := a.Read8(RegSoftwareReset); got != 0x0E {
		t.Errorf("Read8(reset) = 0x%02x, want 0x0E", got)
	}
}

func TestAccess32_NarrowWritesMerge(t *testing.T) {
	bus := newWordBus(t)
	bus.regs[RegHostControl] = 0xAABBCCDD
	a := NewAccess32(bus)

	a.Write8(RegPowerControl, 0x0F)
	if got := bus.regs[RegHostControl]; got != 0xAABB0FDD {
		t.Errorf("after Write8 word = 0x%08x, want 0xAABB0FDD", got)
	}

	a.Write16(RegBlockGap, 0x1234)
	if got := bus.regs[RegHostControl]; got != 0x12340FDD {
		t.Errorf("after Write16 word = 0x%08x, want 0x12340FDD", got)
	}
}

func TestAccess32_TransferModeShadowed(t *testing.T) {
	bus := newWordBus(t)
	a := NewAccess32(bus)

	a.Write16(RegTransferMode, TransferRead|TransferDMA)
	if len(bus.writes) != 0 {
		t.Fatalf("transfer mode write reached the bus: %v", bus.writes)
	}
	if got := a.Read16(RegTransferMode); got != TransferRead|TransferDMA {
		t.Errorf("shadow = 0x%04x, want 0x%04x", got, TransferRead|TransferDMA)
	}

	a.Write16(RegCommand, MakeCommand(OpReadSingleBlock, CmdRespShort|CmdData))
	if len(bus.writes) != 1 || bus.writes[0] != RegTransferMode {
		t.Fatalf("writes = %v, want one combined write at 0x0C", bus.writes)
	}
	want := uint32(MakeCommand(OpReadSingleBlock, CmdRespShort|CmdData))<<16 |
		uint32(TransferRead|TransferDMA)
	if got := bus.regs[RegTransferMode]; got != want {
		t.Errorf("combined word = 0x%08x, want 0x%08x", got, want)
	}
}

// =============================================================================
// Field Helper Tests
// =============================================================================

func TestField(t *testing.T) {
	tests := []struct {
		name string
		v    uint32
		mask uint32
		want uint32
	}{
		{"base clock", 0x0000C800, CapClockV3BaseMask, 0xC8},
		{"clock mul", 0x00040000, Cap1ClockMulMask, 0x04},
		{"retune mode", 0x00008000, Cap1RetuneModeMask, 0x2},
		{"zero mask", 0xFFFFFFFF, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Field(tt.v, tt.mask); got != tt.want {
				t.Errorf("Field(0x%x, 0x%x) = 0x%x, want 0x%x", tt.v, tt.mask, got, tt.want)
			}
		})
	}
}

func TestFieldPrep(t *testing.T) {
	if got := FieldPrep[uint16](3, PresetDrvMask); got != 0xC000 {
		t.Errorf("FieldPrep(3, drv) = 0x%x, want 0xC000", got)
	}
	if got := FieldPrep[uint16](0x7FF, PresetSDCLKMask); got != 0x3FF {
		t.Errorf("FieldPrep overflow = 0x%x, want 0x3FF", got)
	}
}

// =============================================================================
// Encoding Tests
// =============================================================================

func TestMakeCommand(t *testing.T) {
	got := MakeCommand(OpReadMultipleBlock, CmdRespShort|CmdCRC|CmdIndex|CmdData)
	if got != 0x123A {
		t.Errorf("MakeCommand = 0x%04x, want 0x123A", got)
	}
}

func TestMakeBlockSize(t *testing.T) {
	if got := MakeBlockSize(SDMABoundary512K, 512); got != 0x7200 {
		t.Errorf("MakeBlockSize = 0x%04x, want 0x7200", got)
	}
}

func TestIsTuningOpcode(t *testing.T) {
	for op := uint8(0); op < 64; op++ {
		want := op == 19 || op == 21
		if got := IsTuningOpcode(op); got != want {
			t.Errorf("IsTuningOpcode(%d) = %v, want %v", op, got, want)
		}
	}
}

// =============================================================================
// Enum Tests
// =============================================================================

func TestTiming_String(t *testing.T) {
	tests := []struct {
		timing Timing
		want   string
	}{
		{TimingLegacy, "legacy"},
		{TimingSDR104, "sdr104"},
		{TimingHS200, "hs200"},
		{Timing(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.timing.String(); got != tt.want {
				t.Errorf("Timing.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTiming_IsUHS(t *testing.T) {
	if TimingLegacy.IsUHS() || TimingSDHS.IsUHS() {
		t.Error("legacy and high speed are not UHS")
	}
	if !TimingSDR50.IsUHS() || !TimingHS200.IsUHS() {
		t.Error("SDR50 and HS200 are UHS")
	}
}

func TestVoltage_String(t *testing.T) {
	if got := Voltage330.String(); got != "3.3V" {
		t.Errorf("Voltage330 = %q", got)
	}
	if got := Signal180.String(); got != "1.8V" {
		t.Errorf("Signal180 = %q", got)
	}
}
