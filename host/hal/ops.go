package hal

// The interfaces below form the platform capability set. A platform value
// passed to the engine implements any subset of them; the engine resolves
// each slot once at probe time and falls back to its generic register-level
// behavior for every slot left unset.

// Read32Override replaces 32-bit register reads.
type Read32Override interface {
	ReadL(bus Bus, offset uint16) uint32
}

// Read16Override replaces 16-bit register reads.
type Read16Override interface {
	ReadW(bus Bus, offset uint16) uint16
}

// Read8Override replaces 8-bit register reads.
type Read8Override interface {
	ReadB(bus Bus, offset uint16) uint8
}

// Write32Override replaces 32-bit register writes.
type Write32Override interface {
	WriteL(bus Bus, offset uint16, value uint32)
}

// Write16Override replaces 16-bit register writes.
type Write16Override interface {
	WriteW(bus Bus, offset uint16, value uint16)
}

// Write8Override replaces 8-bit register writes.
type Write8Override interface {
	WriteB(bus Bus, offset uint16, value uint8)
}

// ClockSetter programs the SD clock.
type ClockSetter interface {
	SetClock(c Controller, hz uint32)
}

// PowerSetter programs bus power.
type PowerSetter interface {
	SetPower(c Controller, mode PowerMode, vdd Voltage)
}

// DMAEnabler is consulted at probe time when the controller advertises DMA.
// A non-nil error makes the engine fall back to PIO.
type DMAEnabler interface {
	EnableDMA(c Controller) error
}

// MaxClockGetter supplies the base clock when capabilities lack it.
type MaxClockGetter interface {
	MaxClock(c Controller) uint32
}

// MinClockGetter supplies the lowest usable SD clock.
type MinClockGetter interface {
	MinClock(c Controller) uint32
}

// TimeoutClockGetter supplies the data timeout clock in kHz.
type TimeoutClockGetter interface {
	TimeoutClock(c Controller) uint32
}

// BusWidthSetter programs the data bus width.
type BusWidthSetter interface {
	SetBusWidth(c Controller, width BusWidth)
}

// UHSSignalingSetter programs UHS timing selection.
type UHSSignalingSetter interface {
	SetUHSSignaling(c Controller, timing Timing)
}

// Tuner runs a platform-specific sampling point search.
type Tuner interface {
	ExecuteTuning(c Controller, opcode uint8) error
}

// Resetter replaces the software reset sequence.
type Resetter interface {
	Reset(c Controller, mask uint8)
}

// HWResetter toggles the card hardware reset line.
type HWResetter interface {
	HWReset(c Controller)
}

// CardEventNotifier is told about card insertion and removal.
type CardEventNotifier interface {
	CardEvent(c Controller)
}

// CurrentLimitGetter supplies the maximum current in mA.
type CurrentLimitGetter interface {
	CurrentLimit(c Controller) uint32
}

// MaxSegmentsGetter bounds the number of DMA segments per request.
type MaxSegmentsGetter interface {
	MaxSegments(c Controller) int
}

// ADMAWorkaround is called when the controller reports an ADMA error.
type ADMAWorkaround interface {
	ADMAWorkaround(c Controller, intmask uint32)
}

// VoltageSwitcher finishes a switch to 1.8V signaling.
type VoltageSwitcher interface {
	VoltageSwitch(c Controller)
}

// ResetWorkaround engages or releases a platform recovery path for
// controllers whose reset line can hang.
type ResetWorkaround interface {
	ResetWorkaround(c Controller, enable bool)
}

// ReadOnlyGetter reports the write protect state.
type ReadOnlyGetter interface {
	ReadOnly(c Controller) bool
}

// CardDetector reports card presence for controllers without a usable
// present state register.
type CardDetector interface {
	CardPresent(c Controller) bool
}
