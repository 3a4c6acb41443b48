package hal

import (
	"golang.org/x/exp/constraints"
)

// Bus provides raw access to a controller's register window.
//
// Offsets are byte offsets from the controller base. Accesses never fail:
// a hung bus shows up as a stalled command, which the engine's watchdog
// detects.
type Bus interface {
	Read8(offset uint16) uint8
	Read16(offset uint16) uint16
	Read32(offset uint16) uint32
	Write8(offset uint16, value uint8)
	Write16(offset uint16, value uint16)
	Write32(offset uint16, value uint32)
}

// Controller is the view of the engine handed to platform hooks.
//
// Register accessors go through the resolved access strategy, so a hook
// sees the same register semantics the engine does. The Generic methods run
// the standard register-level sequence, letting a hook wrap rather than
// replace it.
type Controller interface {
	Bus

	// Name returns the configured hardware name.
	Name() string

	// GenericSetClock programs the SD clock divider for hz.
	GenericSetClock(hz uint32)

	// GenericSetPower programs the power control register.
	GenericSetPower(mode PowerMode, vdd Voltage)

	// GenericReset issues a software reset and waits for it to clear.
	GenericReset(mask uint8) error

	// GenericSetBusWidth programs the data bus width.
	GenericSetBusWidth(width BusWidth)

	// GenericSetUHSSignaling programs the UHS mode select field.
	GenericSetUHSSignaling(timing Timing)
}

// PowerMode is the requested bus power state.
type PowerMode uint8

// Power modes.
const (
	PowerOff PowerMode = iota
	PowerUp
	PowerOnMode
)

// String returns the power mode name.
func (m PowerMode) String() string {
	switch m {
	case PowerOff:
		return "off"
	case PowerUp:
		return "up"
	case PowerOnMode:
		return "on"
	default:
		return "unknown"
	}
}

// Voltage selects the card supply voltage.
type Voltage uint8

// Supply voltages.
const (
	VoltageNone Voltage = iota
	Voltage180
	Voltage300
	Voltage330
)

// String returns the voltage in volts.
func (v Voltage) String() string {
	switch v {
	case Voltage180:
		return "1.8V"
	case Voltage300:
		return "3.0V"
	case Voltage330:
		return "3.3V"
	default:
		return "none"
	}
}

// SignalVoltage selects the I/O signaling level.
type SignalVoltage uint8

// Signaling levels.
const (
	Signal330 SignalVoltage = iota
	Signal180
	Signal120
)

// String returns the signaling level.
func (s SignalVoltage) String() string {
	switch s {
	case Signal330:
		return "3.3V"
	case Signal180:
		return "1.8V"
	case Signal120:
		return "1.2V"
	default:
		return "unknown"
	}
}

// BusWidth is the number of data lines.
type BusWidth uint8

// Bus widths.
const (
	BusWidth1 BusWidth = 1
	BusWidth4 BusWidth = 4
	BusWidth8 BusWidth = 8
)

// Timing is the bus timing mode.
type Timing uint8

// Timing modes.
const (
	TimingLegacy Timing = iota
	TimingMMCHS
	TimingSDHS
	TimingSDR12
	TimingSDR25
	TimingSDR50
	TimingSDR104
	TimingDDR50
	TimingMMCDDR52
	TimingHS200
	TimingHS400
)

// String returns the timing name.
func (t Timing) String() string {
	switch t {
	case TimingLegacy:
		return "legacy"
	case TimingMMCHS:
		return "mmc-hs"
	case TimingSDHS:
		return "sd-hs"
	case TimingSDR12:
		return "sdr12"
	case TimingSDR25:
		return "sdr25"
	case TimingSDR50:
		return "sdr50"
	case TimingSDR104:
		return "sdr104"
	case TimingDDR50:
		return "ddr50"
	case TimingMMCDDR52:
		return "mmc-ddr52"
	case TimingHS200:
		return "hs200"
	case TimingHS400:
		return "hs400"
	default:
		return "unknown"
	}
}

// IsUHS reports whether the timing uses UHS signaling.
func (t Timing) IsUHS() bool {
	switch t {
	case TimingSDR12, TimingSDR25, TimingSDR50, TimingSDR104, TimingDDR50,
		TimingMMCDDR52, TimingHS200, TimingHS400:
		return true
	}
	return false
}

// DriverType selects the output driver strength.
type DriverType uint8

// Driver types.
const (
	DriverTypeB DriverType = iota
	DriverTypeA
	DriverTypeC
	DriverTypeD
)

// Field extracts the bits of v selected by mask, shifted down.
func Field[T constraints.Unsigned](v, mask T) T {
	if mask == 0 {
		return 0
	}
	shift := 0
	for mask&(1<<shift) == 0 {
		shift++
	}
	return (v & mask) >> shift
}

// FieldPrep shifts v into the position selected by mask.
func FieldPrep[T constraints.Unsigned](v, mask T) T {
	if mask == 0 {
		return 0
	}
	shift := 0
	for mask&(1<<shift) == 0 {
		shift++
	}
	return (v << shift) & mask
}
