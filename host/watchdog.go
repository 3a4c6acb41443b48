package host

import (
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/ardnew/sdhci/host/hal"
	"github.com/ardnew/sdhci/pkg"
)

// armWatchdog bounds the in-flight request. The bound covers the command,
// any busy period and the hardware data timeout of every block.
func (h *Host) armWatchdog(cmd *Command) {
	h.stopWatchdog()
	h.watchGen++
	gen := h.watchGen

	bound := h.cfg.CommandTimeout + cmd.BusyTimeout
	if d := cmd.data; d != nil {
		bound += time.Duration(d.Blocks) * h.hwTimeout
	} else if cmd.Flags&RespBusy != 0 {
		bound += h.hwTimeout
	}
	h.watchdog = time.AfterFunc(bound, func() { h.watchdogFired(gen) })
}

func (h *Host) stopWatchdog() {
	if h.watchdog != nil {
		h.watchdog.Stop()
		h.watchdog = nil
	}
}

// watchdogFired fails a request the controller never completed. A timer
// that fires after its request finished sees a newer generation and does
// nothing.
func (h *Host) watchdogFired(gen uint64) {
	h.mutex.Lock()
	if gen != h.watchGen || h.mrq == nil {
		h.mutex.Unlock()
		return
	}
	h.watchdog = nil

	opcode := h.mrq.Cmd.Opcode
	if h.cmd != nil {
		opcode = h.cmd.Opcode
	}
	pkg.LogError(pkg.ComponentWatchdog, "timeout waiting for hardware interrupt",
		"host", h.name,
		"opcode", opcode,
		"state", h.state)
	h.dumpRegs()
	h.enterError()

	if h.data != nil && h.cmd != h.dataCmd {
		h.data.Err = fmt.Errorf("data phase: %w", pkg.ErrTimeout)
		h.finishData()
	} else {
		cmd := h.cmd
		if cmd == nil {
			cmd = h.mrq.Cmd
		}
		cmd.Err = fmt.Errorf("CMD%d: %w", cmd.Opcode, pkg.ErrTimeout)
		h.finishRequest()
	}
	h.mutex.Unlock()

	h.schedule()
}

// Reset issues a software reset of the lines in mask.
func (h *Host) Reset(mask uint8) error {
	if mask&(hal.ResetAll|hal.ResetCmd|hal.ResetData) == 0 || mask&^(hal.ResetAll|hal.ResetCmd|hal.ResetData) != 0 {
		return fmt.Errorf("%w: reset mask 0x%02x", pkg.ErrInvalidParameter, mask)
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.doReset(mask)
}

// doReset resets the lines in mask, retrying with increasing delays. When
// every attempt times out the controller is declared dead and no register
// is touched again.
func (h *Host) doReset(mask uint8) error {
	if h.flags&flagDeviceDead != 0 {
		return pkg.ErrDeviceDead
	}
	if h.quirks.Has(QuirkNoCardNoReset) && !h.cardPresentLocked() {
		return nil
	}

	b := &backoff.Backoff{
		Min:    h.cfg.ResetRetryDelay,
		Max:    16 * h.cfg.ResetRetryDelay,
		Factor: 2,
	}
	workaround := false
	for attempt := 1; ; attempt++ {
		err := h.resetOnce(mask)
		if err == nil {
			break
		}
		h.stats.ResetTimeouts++

		if attempt >= h.cfg.ResetRetries {
			if workaround {
				h.hk.resetWorkaround.ResetWorkaround(h, false)
			}
			h.flags |= flagDeviceDead
			pkg.LogError(pkg.ComponentHost, "controller did not complete reset, giving up",
				"host", h.name,
				"mask", mask,
				"attempts", attempt)
			return fmt.Errorf("%w: %w", pkg.ErrDeviceDead, err)
		}

		h.stats.ResetWorkarounds++
		h.stats.LastResetWorkaround = time.Now()
		if !workaround && h.quirks2.Has(Quirk2UseResetWorkaround) && h.hk.resetWorkaround != nil {
			h.hk.resetWorkaround.ResetWorkaround(h, true)
			workaround = true
		}
		delay := b.Duration()
		pkg.LogWarn(pkg.ComponentHost, "reset timed out, retrying",
			"host", h.name,
			"mask", mask,
			"attempt", attempt,
			"delay", delay)
		time.Sleep(delay)
	}
	if workaround {
		h.hk.resetWorkaround.ResetWorkaround(h, false)
	}
	h.stats.Resets++

	if mask&hal.ResetAll != 0 {
		h.clock = 0
		h.actualClock = 0
		h.pwr = 0
		h.clockGated = false
		h.flags &^= flagPresetEnabled
		if h.flags&(flagUseSDMA|flagUseADMA) != 0 && h.hk.enableDMA != nil {
			_ = h.hk.enableDMA.EnableDMA(h)
		}
		if h.ier != 0 {
			h.writeIER()
		}
	}
	return nil
}

func (h *Host) resetOnce(mask uint8) error {
	if h.hk.reset != nil {
		h.hk.reset.Reset(h, mask)
		return h.pollReset(mask)
	}
	return h.GenericReset(mask)
}

// GenericReset writes the software reset register and waits for the
// controller to clear the bits. The caller holds the host lock.
func (h *Host) GenericReset(mask uint8) error {
	h.io.write8(hal.RegSoftwareReset, mask)
	if mask&hal.ResetAll != 0 {
		h.clock = 0
	}
	return h.pollReset(mask)
}

func (h *Host) pollReset(mask uint8) error {
	for i := 0; i < h.cfg.ResetPolls; i++ {
		if h.io.read8(hal.RegSoftwareReset)&mask == 0 {
			return nil
		}
		time.Sleep(h.cfg.PollInterval)
	}
	return fmt.Errorf("%w: mask 0x%02x", pkg.ErrResetTimeout, mask)
}
