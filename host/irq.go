package host

import (
	"fmt"

	"github.com/ardnew/sdhci/host/hal"
	"github.com/ardnew/sdhci/pkg"
)

// irqKnown is every status bit the fast phase knows how to handle.
const irqKnown = hal.IntCmdMask | hal.IntDataMask | hal.IntCardMask |
	hal.IntBusPower | hal.IntRetune | hal.IntError

// HandleIRQ is the fast phase of interrupt handling. It acknowledges the
// pending status bits, records them for the deferred pass and schedules
// that pass. It returns false when the interrupt was not raised by this
// controller.
//
// HandleIRQ never blocks on request completion and may be called from any
// goroutine.
func (h *Host) HandleIRQ() bool {
	h.mutex.Lock()
	if h.flags&flagDeviceDead != 0 || h.removed {
		h.mutex.Unlock()
		return false
	}

	intmask := h.io.read32(hal.RegIntStatus)
	if intmask == 0 || intmask == hal.IntAllMask {
		h.mutex.Unlock()
		return false
	}

	handled := false
	for loops := 0; intmask != 0 && loops < irqMaxLoops; loops++ {
		handled = true

		// Clear selected interrupts.
		ack := intmask & (hal.IntCmdMask | hal.IntDataMask | hal.IntBusPower)
		if ack != 0 {
			h.io.write32(hal.RegIntStatus, ack)
		}

		if card := intmask & hal.IntCardMask; card != 0 {
			present := h.io.read32(hal.RegPresentState)&hal.PresentCardPresent != 0
			// Only the opposite event can happen next.
			h.ier &^= hal.IntCardMask
			if present {
				h.ier |= hal.IntCardRemove
			} else {
				h.ier |= hal.IntCardInsert
			}
			h.writeIER()
			h.io.write32(hal.RegIntStatus, card)
			h.cardPending = true
			pkg.LogDebug(pkg.ComponentIRQ, "card event",
				"host", h.name,
				"present", present)
		}

		h.pending |= intmask & h.ier & (hal.IntCmdMask | hal.IntDataMask)

		if intmask&hal.IntBusPower != 0 {
			pkg.LogError(pkg.ComponentIRQ, "card is consuming too much power",
				"host", h.name)
		}

		if intmask&hal.IntRetune != 0 {
			h.io.write32(hal.RegIntStatus, hal.IntRetune)
			h.tuning.needRetune = true
		}

		unexpected := intmask &^ irqKnown
		unexpected |= intmask & (hal.IntCmdMask | hal.IntDataMask) &^ h.ier
		if unexpected != 0 {
			h.io.write32(hal.RegIntStatus, unexpected)
			h.stats.UnexpectedIRQs++
			pkg.LogWarn(pkg.ComponentIRQ, "unexpected interrupt",
				"host", h.name,
				"mask", fmt.Sprintf("0x%08x", unexpected))
		}

		intmask = h.io.read32(hal.RegIntStatus)
		if intmask == hal.IntAllMask {
			break
		}
	}
	h.mutex.Unlock()

	if handled {
		h.schedule()
	}
	return handled
}

// schedule starts the deferred pass unless one is already running. A pass
// that is running rechecks for work before it exits.
func (h *Host) schedule() {
	if h.deferSem.TryAcquire(1) {
		go h.runDeferred()
	}
}

func (h *Host) runDeferred() {
	for {
		h.pass()
		h.deferSem.Release(1)
		if !h.hasWork() || !h.deferSem.TryAcquire(1) {
			return
		}
	}
}

func (h *Host) hasWork() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.pending != 0 || h.cardPending || len(h.completed) > 0
}

// pass is the deferred phase. It runs the command and data handlers for the
// recorded status bits, then delivers completions and card events with the
// lock released. Only one pass runs at a time.
func (h *Host) pass() {
	h.mutex.Lock()
	for h.pending != 0 {
		p := h.pending
		h.pending = 0
		if m := p & hal.IntCmdMask; m != 0 {
			h.cmdIRQ(m)
		}
		if m := p & hal.IntDataMask; m != 0 {
			h.dataIRQ(m)
		}
	}

	cardEvent := h.cardPending
	h.cardPending = false
	present := false
	if cardEvent {
		present = h.cardPresentLocked()
		if !present && h.mrq != nil {
			pkg.LogError(pkg.ComponentIRQ, "card removed during transfer",
				"host", h.name)
			h.failInflight(pkg.ErrNoMedium)
		}
	}

	done := h.completed
	h.completed = nil
	notify := h.onCardChange
	h.mutex.Unlock()

	if cardEvent {
		if h.hk.cardEvent != nil {
			h.hk.cardEvent.CardEvent(h)
		}
		if notify != nil {
			notify(present)
		}
	}
	for _, req := range done {
		if req.Done != nil {
			req.Done(req)
		}
	}
}

func (h *Host) cmdIRQ(intmask uint32) {
	if intmask&hal.IntAutoCmdErr != 0 && h.dataCmd != nil {
		req := h.mrq
		status := h.io.read16(hal.RegAutoCmdStatus)
		h.stats.LastAutoCMDError = status
		err := fmt.Errorf("%w: status 0x%04x", pkg.ErrAutoCMD, status)

		if req.SBC == nil {
			// Auto-CMD12 failed after the data phase.
			if h.data != nil {
				h.data.Err = err
				h.enterError()
				h.finishData()
			} else {
				req.Cmd.Err = err
				h.enterError()
				h.finishRequest()
			}
			return
		}
		// Auto-CMD23 failed before the data command ran.
		req.SBC.Err = err
		h.enterError()
		h.finishRequest()
		return
	}

	if h.cmd == nil {
		h.stats.SpuriousCmdIRQs++
		pkg.LogError(pkg.ComponentIRQ, "got command interrupt even though no command operation was in progress",
			"host", h.name,
			"mask", fmt.Sprintf("0x%08x", intmask))
		h.dumpRegs()
		return
	}

	var err error
	switch {
	case intmask&hal.IntTimeout != 0:
		err = pkg.ErrTimeout
	case intmask&hal.IntCRC != 0:
		err = pkg.ErrCRC
	case intmask&hal.IntEndBit != 0:
		err = pkg.ErrEndBit
	case intmask&hal.IntIndex != 0:
		err = pkg.ErrIndex
	}
	if err != nil {
		h.cmd.Err = fmt.Errorf("CMD%d: %w", h.cmd.Opcode, err)
		h.enterError()
		h.finishRequest()
		return
	}

	// A busy response without data ends with transfer complete. When that
	// interrupt arrived first, busyHandle is already set.
	cmd := h.cmd
	if cmd.Flags&RespBusy != 0 && cmd.data == nil && !h.quirks.Has(QuirkNoBusyIRQ) {
		if !h.busyHandle && intmask&hal.IntResponse != 0 {
			h.busyHandle = true
			h.state = StateDataInflight
			h.readResponse(cmd)
			return
		}
	}

	if intmask&hal.IntResponse != 0 {
		h.finishCommand()
	}
}

func (h *Host) dataIRQ(intmask uint32) {
	if h.tuning.done != nil && intmask&hal.IntDataAvail != 0 {
		op := uint8(h.io.read16(hal.RegCommand) >> 8)
		if hal.IsTuningOpcode(op) {
			if h.quirks2.Has(Quirk2NonStandardTuning) {
				h.tuning.patternOK = h.checkTuningBlock()
			}
			close(h.tuning.done)
			h.tuning.done = nil
			return
		}
	}

	if h.data == nil {
		cmd := h.cmd
		if cmd != nil && cmd.Flags&RespBusy != 0 {
			if intmask&hal.IntDataTimeout != 0 {
				if h.quirks2.Has(Quirk2IgnoreDataTimeoutForR1B) {
					return
				}
				cmd.Err = fmt.Errorf("CMD%d busy: %w", cmd.Opcode, pkg.ErrTimeout)
				h.enterError()
				h.finishRequest()
				return
			}
			if intmask&hal.IntDataEnd != 0 {
				// Busy ended. If the response is already in, the command is
				// done; otherwise the response interrupt finishes it.
				if h.busyHandle {
					h.finishCommand()
				} else {
					h.busyHandle = true
				}
				return
			}
		}

		if intmask&(hal.IntDataEnd|hal.IntDataAvail|hal.IntSpaceAvail|hal.IntDMAEnd) != 0 ||
			intmask&hal.IntErrorMask != 0 {
			h.stats.UnexpectedIRQs++
			pkg.LogWarn(pkg.ComponentIRQ, "got data interrupt even though no data operation was in progress",
				"host", h.name,
				"mask", fmt.Sprintf("0x%08x", intmask))
		}
		return
	}

	d := h.data
	var err error
	switch {
	case intmask&hal.IntDataTimeout != 0:
		err = pkg.ErrTimeout
	case intmask&hal.IntDataEndBit != 0 && !h.quirks2.Has(Quirk2IgnoreDataEndBitError):
		err = pkg.ErrEndBit
	case intmask&hal.IntDataCRC != 0:
		err = pkg.ErrCRC
	case intmask&hal.IntADMAError != 0:
		err = pkg.ErrADMA
		h.stats.LastADMAError = h.io.read32(hal.RegADMAError)
		pkg.LogError(pkg.ComponentIRQ, "ADMA error",
			"host", h.name,
			"status", fmt.Sprintf("0x%08x", h.stats.LastADMAError))
		if h.hk.admaWorkaround != nil {
			h.hk.admaWorkaround.ADMAWorkaround(h, intmask)
		}
	}
	if err != nil {
		d.Err = err
		h.enterError()
		h.finishData()
		return
	}

	if intmask&(hal.IntDataAvail|hal.IntSpaceAvail) != 0 && d.mode == ModePIO {
		h.transferPIO(d)
	}

	// SDMA stops at each buffer boundary and resumes when the next address
	// is written. The boundary math works on the start address since the
	// address register is not reliable on all controllers.
	if intmask&hal.IntDMAEnd != 0 && d.mode == ModeSDMA {
		const boundary = hal.SDMABoundarySize
		now := (d.sdmaStart+uint64(d.xfered))&^(boundary-1) + boundary
		d.xfered = int(now - d.sdmaStart)
		h.io.write32(hal.RegDMAAddress, uint32(now))
	}

	if intmask&hal.IntDataEnd != 0 {
		if h.cmd != nil && h.cmd == h.dataCmd {
			// Data finished before the command response. The response
			// handler completes the data phase.
			h.dataEarly = true
		} else {
			h.finishData()
		}
	}
}
