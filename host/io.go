package host

import (
	"github.com/ardnew/sdhci/host/hal"
)

// hooks holds the platform capability slots resolved from the ops value at
// probe time. A nil slot selects the generic register-level behavior.
type hooks struct {
	setClock        hal.ClockSetter
	setPower        hal.PowerSetter
	enableDMA       hal.DMAEnabler
	maxClock        hal.MaxClockGetter
	minClock        hal.MinClockGetter
	timeoutClock    hal.TimeoutClockGetter
	setBusWidth     hal.BusWidthSetter
	setUHS          hal.UHSSignalingSetter
	tuner           hal.Tuner
	reset           hal.Resetter
	hwReset         hal.HWResetter
	cardEvent       hal.CardEventNotifier
	currentLimit    hal.CurrentLimitGetter
	maxSegments     hal.MaxSegmentsGetter
	admaWorkaround  hal.ADMAWorkaround
	voltageSwitch   hal.VoltageSwitcher
	resetWorkaround hal.ResetWorkaround
	readOnly        hal.ReadOnlyGetter
	cardDetect      hal.CardDetector
}

// as returns ops as T, or the zero T when ops does not implement it.
func as[T any](ops any) T {
	v, _ := ops.(T)
	return v
}

func resolveHooks(ops any) hooks {
	if ops == nil {
		return hooks{}
	}
	return hooks{
		setClock:        as[hal.ClockSetter](ops),
		setPower:        as[hal.PowerSetter](ops),
		enableDMA:       as[hal.DMAEnabler](ops),
		maxClock:        as[hal.MaxClockGetter](ops),
		minClock:        as[hal.MinClockGetter](ops),
		timeoutClock:    as[hal.TimeoutClockGetter](ops),
		setBusWidth:     as[hal.BusWidthSetter](ops),
		setUHS:          as[hal.UHSSignalingSetter](ops),
		tuner:           as[hal.Tuner](ops),
		reset:           as[hal.Resetter](ops),
		hwReset:         as[hal.HWResetter](ops),
		cardEvent:       as[hal.CardEventNotifier](ops),
		currentLimit:    as[hal.CurrentLimitGetter](ops),
		maxSegments:     as[hal.MaxSegmentsGetter](ops),
		admaWorkaround:  as[hal.ADMAWorkaround](ops),
		voltageSwitch:   as[hal.VoltageSwitcher](ops),
		resetWorkaround: as[hal.ResetWorkaround](ops),
		readOnly:        as[hal.ReadOnlyGetter](ops),
		cardDetect:      as[hal.CardDetector](ops),
	}
}

// accessor is the register access strategy. Each width is bound once at
// probe time to either the platform override or the bus itself, so the hot
// path is a single indirect call with no per-access branch.
type accessor struct {
	read8   func(offset uint16) uint8
	read16  func(offset uint16) uint16
	read32  func(offset uint16) uint32
	write8  func(offset uint16, value uint8)
	write16 func(offset uint16, value uint16)
	write32 func(offset uint16, value uint32)
}

func newAccessor(bus hal.Bus, ops any) accessor {
	a := accessor{
		read8:   bus.Read8,
		read16:  bus.Read16,
		read32:  bus.Read32,
		write8:  bus.Write8,
		write16: bus.Write16,
		write32: bus.Write32,
	}
	if o, ok := ops.(hal.Read32Override); ok {
		a.read32 = func(offset uint16) uint32 { return o.ReadL(bus, offset) }
	}
	if o, ok := ops.(hal.Read16Override); ok {
		a.read16 = func(offset uint16) uint16 { return o.ReadW(bus, offset) }
	}
	if o, ok := ops.(hal.Read8Override); ok {
		a.read8 = func(offset uint16) uint8 { return o.ReadB(bus, offset) }
	}
	if o, ok := ops.(hal.Write32Override); ok {
		a.write32 = func(offset uint16, value uint32) { o.WriteL(bus, offset, value) }
	}
	if o, ok := ops.(hal.Write16Override); ok {
		a.write16 = func(offset uint16, value uint16) { o.WriteW(bus, offset, value) }
	}
	if o, ok := ops.(hal.Write8Override); ok {
		a.write8 = func(offset uint16, value uint8) { o.WriteB(bus, offset, value) }
	}
	return a
}

// Read8 reads an 8-bit register.
func (h *Host) Read8(offset uint16) uint8 { return h.io.read8(offset) }

// Read16 reads a 16-bit register.
func (h *Host) Read16(offset uint16) uint16 { return h.io.read16(offset) }

// Read32 reads a 32-bit register.
func (h *Host) Read32(offset uint16) uint32 { return h.io.read32(offset) }

// Write8 writes an 8-bit register.
func (h *Host) Write8(offset uint16, value uint8) { h.io.write8(offset, value) }

// Write16 writes a 16-bit register.
func (h *Host) Write16(offset uint16, value uint16) { h.io.write16(offset, value) }

// Write32 writes a 32-bit register.
func (h *Host) Write32(offset uint16, value uint32) { h.io.write32(offset, value) }

var _ hal.Controller = (*Host)(nil)
