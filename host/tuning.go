package host

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/sdhci/host/hal"
	"github.com/ardnew/sdhci/pkg"
)

// TuningState is the sampling clock tuning state.
type TuningState uint8

// Tuning states.
const (
	TuningUntuned TuningState = iota
	TuningInProgress
	TuningTuned
)

// String returns the state name.
func (s TuningState) String() string {
	switch s {
	case TuningUntuned:
		return "untuned"
	case TuningInProgress:
		return "tuning"
	case TuningTuned:
		return "tuned"
	default:
		return fmt.Sprintf("TuningState(%d)", s)
	}
}

// Re-tuning modes, from the capability field plus one.
const (
	retuneMode1 = 1 // Timer driven
	retuneMode2 = 2 // Timer driven, transfers bounded
	retuneMode3 = 3 // Timer driven plus re-tuning interrupt
)

type tuning struct {
	state      TuningState
	count      uint32 // Re-tuning period in seconds, zero when disabled
	mode       uint8
	opcode     uint8
	needRetune bool
	countdown  uint32
	timer      *time.Timer
	active     bool

	// done is closed by the deferred pass when a tuning block arrives.
	done      chan struct{}
	patternOK bool
	blockSize int
}

// timingNeedsTuning reports whether t requires sampling clock tuning on
// this controller.
func (h *Host) timingNeedsTuning(t hal.Timing) bool {
	switch t {
	case hal.TimingSDR104, hal.TimingHS200:
		return true
	case hal.TimingSDR50:
		return h.flags&flagSDR50NeedsTuning != 0
	}
	return false
}

// ExecuteTuning searches for the sampling point with tuning blocks read by
// opcode, which is CMD19 for SD or CMD21 for eMMC. It returns nil without
// doing anything when the current timing does not need tuning.
func (h *Host) ExecuteTuning(opcode uint8) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.executeTuning(opcode)
}

func (h *Host) executeTuning(opcode uint8) error {
	switch {
	case h.flags&flagDeviceDead != 0:
		return pkg.ErrDeviceDead
	case h.removed:
		return fmt.Errorf("%w: host removed", pkg.ErrNoMedium)
	case !hal.IsTuningOpcode(opcode):
		return fmt.Errorf("%w: CMD%d is not a tuning command", pkg.ErrInvalidParameter, opcode)
	case h.mrq != nil || h.tuning.active:
		return pkg.ErrBusy
	}

	if h.ios.Timing == hal.TimingHS400 {
		// HS400 is tuned in HS200 before switching.
		return fmt.Errorf("%w: tuning in HS400", pkg.ErrInvalidParameter)
	}
	if !h.timingNeedsTuning(h.ios.Timing) {
		return nil
	}

	h.tuning.active = true
	defer func() { h.tuning.active = false }()

	h.stopRetuneTimer()
	h.tuning.state = TuningInProgress
	h.tuning.opcode = opcode
	h.tuning.needRetune = false
	h.stats.Tunings++
	h.ungateClock()

	pkg.LogDebug(pkg.ComponentTuning, "tuning started",
		"host", h.name,
		"opcode", opcode,
		"timing", h.ios.Timing)

	var err error
	switch {
	case h.quirks2.Has(Quirk2TuningWorkAround):
		ctrl := h.io.read16(hal.RegHostControl2)
		h.io.write16(hal.RegHostControl2, ctrl|hal.Ctrl2TunedClk)
	case h.hk.tuner != nil:
		h.mutex.Unlock()
		err = h.hk.tuner.ExecuteTuning(h, opcode)
		h.mutex.Lock()
	default:
		err = h.genericTuning(opcode)
	}

	if err != nil {
		h.tuning.state = TuningUntuned
		pkg.LogWarn(pkg.ComponentTuning, "tuning failed, falling back to fixed sampling clock",
			"host", h.name,
			"opcode", opcode,
			"error", err)
		return err
	}

	h.tuning.state = TuningTuned
	h.armRetune()
	pkg.LogDebug(pkg.ComponentTuning, "tuning complete",
		"host", h.name,
		"opcode", opcode)
	h.gateClock()
	return nil
}

// genericTuning runs the standard tuning procedure: set Execute Tuning and
// read tuning blocks until the controller clears it.
func (h *Host) genericTuning(opcode uint8) error {
	ctrl := h.io.read16(hal.RegHostControl2)
	h.io.write16(hal.RegHostControl2, ctrl|hal.Ctrl2ExecTuning)

	// Only buffer read ready is of interest while tuning.
	saved := h.ier
	h.ier = hal.IntDataAvail
	h.writeIER()
	defer func() {
		h.ier = saved
		h.writeIER()
	}()

	for i := 0; i < h.cfg.TuningLoops; i++ {
		if !h.sendTuning(opcode) {
			pkg.LogWarn(pkg.ComponentTuning, "timeout waiting for tuning block",
				"host", h.name,
				"loop", i)
			break
		}
		if h.removed || h.flags&flagDeviceDead != 0 {
			break
		}

		ctrl = h.io.read16(hal.RegHostControl2)
		if h.quirks2.Has(Quirk2NonStandardTuning) {
			if h.tuning.patternOK {
				ctrl &^= hal.Ctrl2ExecTuning
				h.io.write16(hal.RegHostControl2, ctrl|hal.Ctrl2TunedClk)
				return nil
			}
			continue
		}
		if ctrl&hal.Ctrl2ExecTuning == 0 {
			if ctrl&hal.Ctrl2TunedClk != 0 {
				return nil
			}
			break
		}
	}

	ctrl = h.io.read16(hal.RegHostControl2)
	h.io.write16(hal.RegHostControl2, ctrl&^(hal.Ctrl2ExecTuning|hal.Ctrl2TunedClk))
	if h.flags&flagDeviceDead == 0 {
		_ = h.doReset(hal.ResetCmd | hal.ResetData)
	}
	return fmt.Errorf("%w: CMD%d", pkg.ErrTuning, opcode)
}

// sendTuning issues one tuning command and waits for its block with the
// host lock released. It reports whether the block arrived.
func (h *Host) sendTuning(opcode uint8) bool {
	bs := tuningBlockSize
	if opcode == hal.OpSendTuningHS200 && h.ios.BusWidth == hal.BusWidth8 {
		bs = tuningBlockSize8
	}
	h.tuning.blockSize = bs

	h.io.write16(hal.RegBlockSize, hal.MakeBlockSize(hal.SDMABoundary512K, uint16(bs)))
	h.io.write16(hal.RegTransferMode, hal.TransferRead)

	cmd := &Command{Opcode: opcode, Flags: RespR1}
	done := make(chan struct{})
	h.tuning.done = done
	h.tuning.patternOK = false
	h.mrq = &Request{Cmd: cmd, internal: true}
	h.sendCommand(cmd)

	// The response interrupt is masked during tuning; completion is the
	// buffer read ready interrupt.
	h.cmd, h.mrq = nil, nil
	h.stopWatchdog()
	h.state = StateIdle
	if cmd.Err != nil {
		h.tuning.done = nil
		return false
	}

	h.mutex.Unlock()
	timer := time.NewTimer(h.cfg.TuningWait)
	ok := false
	select {
	case <-done:
		ok = true
	case <-timer.C:
	}
	timer.Stop()
	h.mutex.Lock()

	if h.tuning.done == done {
		h.tuning.done = nil
	}
	return ok
}

// checkTuningBlock reads the tuning block from the buffer port and compares
// it against the standard pattern.
func (h *Host) checkTuningBlock() bool {
	n := h.tuning.blockSize
	if n == 0 {
		n = tuningBlockSize
	}
	buf := make([]byte, n)
	for i := 0; i < n; i += 4 {
		binary.LittleEndian.PutUint32(buf[i:], h.io.read32(hal.RegBuffer))
	}
	if n == tuningBlockSize8 {
		return bytes.Equal(buf, hal.TuningBlock8Bit[:])
	}
	return bytes.Equal(buf, hal.TuningBlock4Bit[:])
}

// armRetune starts the re-tuning period after a successful tuning.
func (h *Host) armRetune() {
	if h.tuning.count == 0 {
		return
	}
	switch h.tuning.mode {
	case retuneMode1:
		period := time.Duration(h.tuning.count) * time.Second
		h.tuning.timer = time.AfterFunc(period, func() {
			h.mutex.Lock()
			h.tuning.needRetune = true
			h.mutex.Unlock()
		})
	case retuneMode2, retuneMode3:
		h.tuning.countdown = h.tuning.count
		if h.tuning.mode == retuneMode3 && h.ier&hal.IntRetune == 0 {
			h.ier |= hal.IntRetune
			h.writeIER()
		}
	}
}

func (h *Host) stopRetuneTimer() {
	if h.tuning.timer != nil {
		h.tuning.timer.Stop()
		h.tuning.timer = nil
	}
	h.tuning.countdown = 0
}

// resetTuning drops tuning state when the bus leaves a timing that needs
// it.
func (h *Host) resetTuning(ios IOS) {
	if h.timingNeedsTuning(ios.Timing) {
		return
	}
	if h.tuning.state != TuningUntuned {
		ctrl := h.io.read16(hal.RegHostControl2)
		if ctrl&(hal.Ctrl2ExecTuning|hal.Ctrl2TunedClk) != 0 {
			h.io.write16(hal.RegHostControl2, ctrl&^(hal.Ctrl2ExecTuning|hal.Ctrl2TunedClk))
		}
	}
	h.tuning.state = TuningUntuned
	h.tuning.needRetune = false
	h.stopRetuneTimer()
	if h.ier&hal.IntRetune != 0 {
		h.ier &^= hal.IntRetune
		h.writeIER()
	}
}

// tuningCountdown counts a successful transfer against the re-tuning
// period of modes 2 and 3.
func (h *Host) tuningCountdown() {
	if h.tuning.state != TuningTuned || h.tuning.countdown == 0 {
		return
	}
	h.tuning.countdown--
	if h.tuning.countdown == 0 {
		h.tuning.needRetune = true
	}
}

func (h *Host) retuneDue() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.tuning.needRetune && h.tuning.state == TuningTuned &&
		h.timingNeedsTuning(h.ios.Timing)
}

// retune repeats the last tuning. A failure leaves the host usable with a
// fixed sampling clock. A busy host keeps the retune pending and only a
// tuning that started is counted.
func (h *Host) retune() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if !h.tuning.needRetune {
		return
	}
	tunings := h.stats.Tunings
	err := h.executeTuning(h.tuning.opcode)
	if h.stats.Tunings != tunings {
		h.stats.Retunes++
	}
	switch {
	case errors.Is(err, pkg.ErrBusy):
		pkg.LogDebug(pkg.ComponentTuning, "re-tuning deferred, host busy",
			"host", h.name)
	case err != nil:
		pkg.LogWarn(pkg.ComponentTuning, "re-tuning failed",
			"host", h.name,
			"error", err)
	}
}

// TuningState returns the tuning state.
func (h *Host) TuningState() TuningState {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.tuning.state
}

// NeedsRetune reports whether the re-tuning period has expired.
func (h *Host) NeedsRetune() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.tuning.needRetune
}
