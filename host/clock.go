package host

import (
	"fmt"
	"time"

	"github.com/ardnew/sdhci/host/hal"
	"github.com/ardnew/sdhci/pkg"
)

// DividerParams are the inputs of SD clock divider selection.
type DividerParams struct {
	Version  uint8  // Specification version field
	MaxClock uint32 // Base clock in Hz
	ClockMul uint32 // Programmable clock multiplier, zero when unsupported
	Quirks2  Quirks2

	// Preset is the preset value register of the current timing, used when
	// PresetEnabled is set.
	Preset        uint16
	PresetEnabled bool
}

// Divider is a divider selection.
type Divider struct {
	Reg     uint16 // Clock control value, enable bits excluded
	Divisor int    // Effective division of the (multiplied) base clock
	Actual  uint32 // Resulting SD clock in Hz
}

// ComputeDivider selects the divider producing the highest SD clock that
// does not exceed hz.
//
// Specification 3.00 controllers use a 10-bit divided clock mode (even
// divisors up to 2046) or, when a clock multiplier is advertised, the
// programmable mode (divisors 1 to 1024 of the multiplied clock). Earlier
// controllers use an 8-bit power of two divider up to 256. A request below
// the lowest reachable frequency yields the largest divisor.
func ComputeDivider(p DividerParams, hz uint32) Divider {
	if hz == 0 || p.MaxClock == 0 {
		return Divider{}
	}

	var (
		reg     uint16
		div     int
		realDiv int
		mul     = uint64(1)
		base    = uint64(p.MaxClock)
		target  = uint64(hz)
	)

	switch {
	case p.Quirks2.Has(Quirk2AlwaysUseBaseClock):
		div, realDiv = 0, 1

	case p.Version >= hal.Spec300 && p.PresetEnabled:
		div = int(hal.Field(p.Preset, uint16(hal.PresetSDCLKMask)))
		if p.ClockMul != 0 && p.Preset&hal.PresetClkGenSel != 0 {
			reg = hal.ClockProgMode
			realDiv = div + 1
			mul = uint64(p.ClockMul)
		} else {
			realDiv = max(1, div<<1)
		}

	case p.Version >= hal.Spec300:
		programmable := false
		if p.ClockMul != 0 {
			prog := base * uint64(p.ClockMul)
			for div = 1; div <= hal.MaxProgDivSpec30; div++ {
				if prog/uint64(div) <= target {
					break
				}
			}
			if div <= hal.MaxProgDivSpec30 {
				programmable = true
				reg = hal.ClockProgMode
				realDiv = div
				mul = uint64(p.ClockMul)
				div--
			}
		}
		if !programmable {
			if base <= target {
				div = 1
			} else {
				for div = 2; div < hal.MaxDivSpec300; div += 2 {
					if base/uint64(div) <= target {
						break
					}
				}
			}
			realDiv = div
			div >>= 1
			if p.Quirks2.Has(Quirk2ClockDivZeroBroken) && div == 0 && base <= 25000000 {
				div = 1
				realDiv = 2
			}
		}

	default:
		for div = 1; div < hal.MaxDivSpec200; div *= 2 {
			if base/uint64(div) <= target {
				break
			}
		}
		realDiv = div
		div >>= 1
	}

	reg |= uint16(div&hal.ClockDivMask) << hal.ClockDivShift
	reg |= uint16((div&hal.ClockDivHiMask)>>hal.ClockDivMaskLen) << hal.ClockDivHiShift
	return Divider{
		Reg:     reg,
		Divisor: realDiv,
		Actual:  uint32(base * mul / uint64(realDiv)),
	}
}

func (h *Host) dividerParams() DividerParams {
	p := DividerParams{
		Version:       h.version,
		MaxClock:      h.maxClk,
		ClockMul:      h.clkMul,
		Quirks2:       h.quirks2,
		PresetEnabled: h.flags&flagPresetEnabled != 0,
	}
	if p.PresetEnabled {
		p.Preset = h.io.read16(presetRegister(h.ios.Timing))
	}
	return p
}

// presetRegister returns the preset value register for timing.
func presetRegister(t hal.Timing) uint16 {
	switch t {
	case hal.TimingMMCHS, hal.TimingSDHS:
		return hal.RegPresetHS
	case hal.TimingSDR12:
		return hal.RegPresetSDR12
	case hal.TimingSDR25:
		return hal.RegPresetSDR25
	case hal.TimingSDR50:
		return hal.RegPresetSDR50
	case hal.TimingSDR104, hal.TimingHS200:
		return hal.RegPresetSDR104
	case hal.TimingDDR50, hal.TimingMMCDDR52:
		return hal.RegPresetDDR50
	case hal.TimingHS400:
		return hal.RegPresetHS400
	default:
		return hal.RegPresetDS
	}
}

// GenericSetClock runs the standard clock change sequence: stop the card
// clock, program the divider, wait for the internal clock to stabilize and
// enable the card clock. The caller holds the host lock.
func (h *Host) GenericSetClock(hz uint32) {
	h.io.write16(hal.RegClockControl, 0)
	h.clockErr = nil
	h.actualClock = 0
	if hz == 0 {
		return
	}

	d := ComputeDivider(h.dividerParams(), hz)
	h.actualClock = d.Actual

	clk := d.Reg | hal.ClockIntEn
	h.io.write16(hal.RegClockControl, clk)

	stable := false
	for i := 0; i < h.cfg.ClockPolls; i++ {
		if h.io.read16(hal.RegClockControl)&hal.ClockIntStable != 0 {
			stable = true
			break
		}
		time.Sleep(h.cfg.PollInterval)
	}
	if !stable {
		pkg.LogError(pkg.ComponentClock, "internal clock never stabilised",
			"host", h.name,
			"hz", hz)
		h.dumpRegs()
		h.clockErr = fmt.Errorf("%w: %d Hz", pkg.ErrClockUnstable, hz)
		return
	}

	if h.quirks2.Has(Quirk2NeedDelayAfterIntClkRst) {
		time.Sleep(intClkRstDelay)
	}

	clk |= hal.ClockCardEn
	h.io.write16(hal.RegClockControl, clk)

	if h.quirks.Has(QuirkDataTimeoutUsesSDCLK) {
		h.timeoutClk = d.Actual / 1000
	}

	pkg.LogDebug(pkg.ComponentClock, "clock set",
		"host", h.name,
		"requested", hz,
		"actual", d.Actual,
		"divisor", d.Divisor)
}

// setClock programs the clock through the platform hook or the generic
// sequence and records the requested rate.
func (h *Host) setClock(hz uint32) error {
	h.clockErr = nil
	if h.hk.setClock != nil {
		h.hk.setClock.SetClock(h, hz)
	} else {
		h.GenericSetClock(hz)
	}
	h.clock = hz
	h.clockGated = false
	return h.clockErr
}

// gateClock stops the card clock while idle under the power-save policy.
func (h *Host) gateClock() {
	if h.cfg.PowerPolicy != PowerSave || h.clock == 0 || h.clockGated {
		return
	}
	clk := h.io.read16(hal.RegClockControl)
	h.io.write16(hal.RegClockControl, clk&^hal.ClockCardEn)
	h.clockGated = true
}

// ungateClock restarts a gated card clock before a command is issued.
func (h *Host) ungateClock() {
	if !h.clockGated {
		return
	}
	clk := h.io.read16(hal.RegClockControl)
	h.io.write16(hal.RegClockControl, clk|hal.ClockCardEn)
	h.clockGated = false
}

func powerBits(mode hal.PowerMode, vdd hal.Voltage) uint8 {
	if mode == hal.PowerOff {
		return 0
	}
	switch vdd {
	case hal.Voltage180:
		return hal.Power180
	case hal.Voltage300:
		return hal.Power300
	case hal.Voltage330:
		return hal.Power330
	default:
		return 0
	}
}

// GenericSetPower programs the power control register. The voltage is
// written before the power on bit unless the controller latches both in a
// single write. The caller holds the host lock.
func (h *Host) GenericSetPower(mode hal.PowerMode, vdd hal.Voltage) {
	pwr := powerBits(mode, vdd)
	if pwr == h.pwr {
		return
	}
	h.pwr = pwr

	if pwr == 0 {
		h.io.write8(hal.RegPowerControl, 0)
		return
	}

	if !h.quirks.Has(QuirkSinglePowerWrite) {
		h.io.write8(hal.RegPowerControl, 0)
		h.io.write8(hal.RegPowerControl, pwr)
	}
	h.io.write8(hal.RegPowerControl, pwr|hal.PowerOn)

	if h.quirks.Has(QuirkDelayAfterPower) {
		time.Sleep(powerSettleDelay)
	}
}

func (h *Host) setPower(mode hal.PowerMode, vdd hal.Voltage) {
	if h.hk.setPower != nil {
		h.hk.setPower.SetPower(h, mode, vdd)
		h.pwr = powerBits(mode, vdd)
		return
	}
	h.GenericSetPower(mode, vdd)
}

// GenericSetBusWidth programs the data bus width. The caller holds the
// host lock.
func (h *Host) GenericSetBusWidth(width hal.BusWidth) {
	ctrl := h.io.read8(hal.RegHostControl)
	ctrl &^= hal.Ctrl4BitBus | hal.Ctrl8BitBus
	switch width {
	case hal.BusWidth8:
		ctrl |= hal.Ctrl8BitBus
	case hal.BusWidth4:
		ctrl |= hal.Ctrl4BitBus
	}
	h.io.write8(hal.RegHostControl, ctrl)
}

// GenericSetUHSSignaling programs the UHS mode select field. The caller
// holds the host lock.
func (h *Host) GenericSetUHSSignaling(timing hal.Timing) {
	ctrl := h.io.read16(hal.RegHostControl2)
	ctrl &^= hal.Ctrl2UHSMask
	switch timing {
	case hal.TimingMMCHS, hal.TimingSDHS, hal.TimingSDR25:
		ctrl |= hal.Ctrl2UHSSDR25
	case hal.TimingSDR50:
		ctrl |= hal.Ctrl2UHSSDR50
	case hal.TimingSDR104, hal.TimingHS200:
		ctrl |= hal.Ctrl2UHSSDR104
	case hal.TimingDDR50, hal.TimingMMCDDR52:
		ctrl |= hal.Ctrl2UHSDDR50
	case hal.TimingHS400:
		ctrl |= hal.Ctrl2HS400
	default:
		ctrl |= hal.Ctrl2UHSSDR12
	}
	h.io.write16(hal.RegHostControl2, ctrl)
}

// IOS is the requested bus configuration.
type IOS struct {
	Clock      uint32 // Hz, zero stops the clock
	PowerMode  hal.PowerMode
	VDD        hal.Voltage
	BusWidth   hal.BusWidth
	Timing     hal.Timing
	DriverType hal.DriverType
}

func (h *Host) validateIOS(ios *IOS) error {
	switch ios.BusWidth {
	case 0:
		ios.BusWidth = hal.BusWidth1
	case hal.BusWidth1, hal.BusWidth4:
	case hal.BusWidth8:
		if !h.caps.Bus8Bit {
			return fmt.Errorf("%w: 8-bit bus", pkg.ErrNotSupported)
		}
	default:
		return fmt.Errorf("%w: bus width %d", pkg.ErrInvalidParameter, ios.BusWidth)
	}
	if h.quirks.Has(QuirkForce1BitData) {
		ios.BusWidth = hal.BusWidth1
	}

	switch ios.Timing {
	case hal.TimingHS200:
		if h.quirks2.Has(Quirk2BrokenHS200) {
			return fmt.Errorf("%w: %s", pkg.ErrNotSupported, ios.Timing)
		}
	case hal.TimingDDR50:
		if h.quirks2.Has(Quirk2BrokenDDR50) {
			return fmt.Errorf("%w: %s", pkg.ErrNotSupported, ios.Timing)
		}
	case hal.TimingHS400:
		if !h.caps.HS400 {
			return fmt.Errorf("%w: %s", pkg.ErrNotSupported, ios.Timing)
		}
	}
	if ios.Timing.IsUHS() && h.version < hal.Spec300 {
		return fmt.Errorf("%w: %s before specification 3.00", pkg.ErrNotSupported, ios.Timing)
	}
	if uint64(ios.Clock) > uint64(h.maxClk)*uint64(max(1, h.clkMul)) {
		return fmt.Errorf("%w: clock %d Hz above %d Hz", pkg.ErrInvalidParameter, ios.Clock, h.maxClk)
	}
	return nil
}

func driverBits(t hal.DriverType) uint16 {
	switch t {
	case hal.DriverTypeA:
		return hal.Ctrl2DrvTypeA
	case hal.DriverTypeC:
		return hal.Ctrl2DrvTypeC
	case hal.DriverTypeD:
		return hal.Ctrl2DrvTypeD
	default:
		return hal.Ctrl2DrvTypeB
	}
}

// presetsAllowed reports whether preset value registers may drive the clock.
func (h *Host) presetsAllowed() bool {
	return h.cfg.PresetValues && h.version >= hal.Spec300 &&
		!h.quirks2.Has(Quirk2PresetValueBroken) &&
		!h.quirks2.Has(Quirk2BrokenPresetValue)
}

// SetIOS applies a bus configuration: clock, power, bus width, high speed
// enable, UHS timing, driver strength and preset value enable, in that
// order.
func (h *Host) SetIOS(ios IOS) error {
	if err := h.validateIOS(&ios); err != nil {
		return err
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.flags&flagDeviceDead != 0 {
		return pkg.ErrDeviceDead
	}
	return h.applyIOS(ios)
}

func (h *Host) applyIOS(ios IOS) error {
	var errs error
	if ios.Clock != h.clock || ios.Timing != h.ios.Timing {
		h.ios.Timing = ios.Timing
		if err := h.setClock(ios.Clock); err != nil {
			errs = err
		}
	}

	if ios.PowerMode != h.ios.PowerMode || ios.VDD != h.ios.VDD {
		h.setPower(ios.PowerMode, ios.VDD)
	}

	if h.hk.setBusWidth != nil {
		h.hk.setBusWidth.SetBusWidth(h, ios.BusWidth)
	} else {
		h.GenericSetBusWidth(ios.BusWidth)
	}

	ctrl := h.io.read8(hal.RegHostControl)
	if ios.Timing != hal.TimingLegacy && !h.quirks.Has(QuirkNoHispdBit) {
		ctrl |= hal.CtrlHiSpeed
	} else {
		ctrl &^= hal.CtrlHiSpeed
	}

	if h.version < hal.Spec300 {
		h.io.write8(hal.RegHostControl, ctrl)
	} else {
		// The card clock is stopped while timing and drive strength change.
		clk := h.io.read16(hal.RegClockControl)
		h.io.write16(hal.RegClockControl, clk&^hal.ClockCardEn)
		h.io.write8(hal.RegHostControl, ctrl)

		if h.hk.setUHS != nil {
			h.hk.setUHS.SetUHSSignaling(h, ios.Timing)
		} else {
			h.GenericSetUHSSignaling(ios.Timing)
		}

		ctrl2 := h.io.read16(hal.RegHostControl2)
		usePreset := h.presetsAllowed() && ios.Timing.IsUHS()
		if usePreset {
			ctrl2 |= hal.Ctrl2PresetVal
			h.flags |= flagPresetEnabled
		} else {
			ctrl2 &^= hal.Ctrl2PresetVal | hal.Ctrl2DrvTypeMask
			ctrl2 |= driverBits(ios.DriverType)
			h.flags &^= flagPresetEnabled
		}
		h.io.write16(hal.RegHostControl2, ctrl2)

		h.ios.Timing = ios.Timing
		if err := h.setClock(ios.Clock); err != nil {
			errs = err
		}
	}

	h.ios = ios

	if h.quirks.Has(QuirkResetCmdDataOnIOS) {
		if err := h.doReset(hal.ResetCmd | hal.ResetData); err != nil {
			errs = err
		}
	}
	h.resetTuning(ios)
	return errs
}

// SetClock changes only the SD clock.
func (h *Host) SetClock(hz uint32) error {
	h.mutex.Lock()
	ios := h.ios
	h.mutex.Unlock()
	ios.Clock = hz
	return h.SetIOS(ios)
}

// SetPower changes only the bus power.
func (h *Host) SetPower(mode hal.PowerMode, vdd hal.Voltage) error {
	h.mutex.Lock()
	ios := h.ios
	h.mutex.Unlock()
	ios.PowerMode, ios.VDD = mode, vdd
	return h.SetIOS(ios)
}

// SetBusWidth changes only the data bus width.
func (h *Host) SetBusWidth(width hal.BusWidth) error {
	h.mutex.Lock()
	ios := h.ios
	h.mutex.Unlock()
	ios.BusWidth = width
	return h.SetIOS(ios)
}

// SetTiming changes only the bus timing.
func (h *Host) SetTiming(timing hal.Timing) error {
	h.mutex.Lock()
	ios := h.ios
	h.mutex.Unlock()
	ios.Timing = timing
	return h.SetIOS(ios)
}

// IOS returns the applied bus configuration.
func (h *Host) IOS() IOS {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.ios
}

// ActualClock returns the SD clock produced by the programmed divider.
func (h *Host) ActualClock() uint32 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.actualClock
}

// SwitchVoltage changes the I/O signaling level.
func (h *Host) SwitchVoltage(sv hal.SignalVoltage) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.flags&flagDeviceDead != 0 {
		return pkg.ErrDeviceDead
	}
	if h.version < hal.Spec300 {
		if sv == hal.Signal330 {
			return nil
		}
		return fmt.Errorf("%w: %s signaling before specification 3.00", pkg.ErrNotSupported, sv)
	}

	ctrl := h.io.read16(hal.RegHostControl2)
	switch sv {
	case hal.Signal330:
		if h.flags&flagSignaling330 == 0 {
			return fmt.Errorf("%w: 3.3V signaling", pkg.ErrNotSupported)
		}
		h.io.write16(hal.RegHostControl2, ctrl&^hal.Ctrl2VDD180)
		time.Sleep(signalSettle330)
		if h.io.read16(hal.RegHostControl2)&hal.Ctrl2VDD180 == 0 {
			return nil
		}
		pkg.LogWarn(pkg.ComponentClock, "3.3V regulator output did not become stable",
			"host", h.name)
		return fmt.Errorf("%w: to %s", pkg.ErrVoltageSwitch, sv)

	case hal.Signal180:
		if h.flags&flagSignaling180 == 0 {
			return fmt.Errorf("%w: 1.8V signaling", pkg.ErrNotSupported)
		}
		h.io.write16(hal.RegHostControl2, ctrl|hal.Ctrl2VDD180)
		if h.hk.voltageSwitch != nil {
			h.hk.voltageSwitch.VoltageSwitch(h)
		}
		if h.io.read16(hal.RegHostControl2)&hal.Ctrl2VDD180 != 0 {
			return nil
		}
		pkg.LogWarn(pkg.ComponentClock, "1.8V regulator output did not become stable",
			"host", h.name)
		return fmt.Errorf("%w: to %s", pkg.ErrVoltageSwitch, sv)

	default:
		return fmt.Errorf("%w: %s signaling", pkg.ErrNotSupported, sv)
	}
}
