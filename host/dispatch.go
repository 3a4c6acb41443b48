package host

import (
	"fmt"
	"time"

	"github.com/ardnew/sdhci/host/hal"
	"github.com/ardnew/sdhci/pkg"
)

// validateRequest checks a request against the probe-time limits without
// touching hardware.
func (h *Host) validateRequest(req *Request) error {
	if req == nil || req.Cmd == nil {
		return fmt.Errorf("%w: missing command", pkg.ErrInvalidRequest)
	}
	for _, c := range []*Command{req.SBC, req.Cmd, req.Stop} {
		if c != nil && c.Flags&Resp136 != 0 && c.Flags&RespBusy != 0 {
			return fmt.Errorf("%w: CMD%d has a long busy response", pkg.ErrInvalidRequest, c.Opcode)
		}
	}
	if req.SBC != nil {
		if req.Data == nil {
			return fmt.Errorf("%w: CMD23 without a data phase", pkg.ErrInvalidRequest)
		}
		if h.quirks2.Has(Quirk2HostNoCMD23) {
			return fmt.Errorf("%w: CMD23", pkg.ErrNotSupported)
		}
	}
	if req.Stop != nil && req.Data == nil {
		return fmt.Errorf("%w: stop command without a data phase", pkg.ErrInvalidRequest)
	}

	d := req.Data
	if d == nil {
		return nil
	}
	if d.BlockSize <= 0 || d.Blocks <= 0 {
		return fmt.Errorf("%w: %d blocks of %d bytes", pkg.ErrInvalidRequest, d.Blocks, d.BlockSize)
	}
	if d.BlockSize > h.limits.MaxBlockSize {
		return fmt.Errorf("%w: block size %d exceeds %d", pkg.ErrInvalidRequest, d.BlockSize, h.limits.MaxBlockSize)
	}
	if d.Blocks > h.limits.MaxBlockCount {
		return fmt.Errorf("%w: block count %d exceeds %d", pkg.ErrInvalidRequest, d.Blocks, h.limits.MaxBlockCount)
	}
	if d.length() > h.limits.MaxReqSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", pkg.ErrInvalidRequest, d.length(), h.limits.MaxReqSize)
	}
	if len(d.Bufs) == 0 {
		return fmt.Errorf("%w: empty scatter list", pkg.ErrInvalidRequest)
	}
	if len(d.Bufs) > h.limits.MaxSegments {
		return fmt.Errorf("%w: %d segments exceeds %d", pkg.ErrTooManySegments, len(d.Bufs), h.limits.MaxSegments)
	}
	total := 0
	for i, b := range d.Bufs {
		if len(b) == 0 {
			return fmt.Errorf("%w: segment %d is empty", pkg.ErrInvalidRequest, i)
		}
		total += len(b)
	}
	if total != d.length() {
		return fmt.Errorf("%w: scatter list holds %d bytes, transfer needs %d", pkg.ErrInvalidRequest, total, d.length())
	}
	return nil
}

// Submit starts a request.
//
// Malformed requests, a request while another is in flight and any request
// after the controller was declared dead are rejected synchronously without
// touching hardware. Every accepted request completes through req.Done,
// including one refused because no card is present.
func (h *Host) Submit(req *Request) error {
	if err := h.validateRequest(req); err != nil {
		return err
	}

	if h.retuneDue() {
		h.retune()
	}

	h.claimStaged(req)

	h.mutex.Lock()
	if h.removed {
		h.mutex.Unlock()
		return fmt.Errorf("%w: host removed", pkg.ErrNoMedium)
	}
	if h.flags&flagDeviceDead != 0 {
		h.mutex.Unlock()
		return pkg.ErrDeviceDead
	}
	if h.mrq != nil || h.cmd != nil || h.data != nil || h.tuning.active {
		h.mutex.Unlock()
		return pkg.ErrBusy
	}

	h.stats.Requests++
	h.mrq = req
	h.resetPhases(req)

	if !h.cardPresentLocked() {
		req.Cmd.Err = pkg.ErrNoMedium
		h.finishRequest()
	} else {
		h.ungateClock()
		if req.SBC != nil && !h.useAutoCMD23(req) {
			h.sendCommand(req.SBC)
		} else {
			h.sendCommand(req.Cmd)
		}
	}
	kick := len(h.completed) > 0
	h.mutex.Unlock()

	if kick {
		h.schedule()
	}
	return nil
}

// resetPhases clears the results of a previous run of req.
func (h *Host) resetPhases(req *Request) {
	for _, c := range []*Command{req.SBC, req.Cmd, req.Stop} {
		if c != nil {
			c.Err = nil
			c.Resp = [4]uint32{}
			c.data = nil
		}
	}
	req.Cmd.data = req.Data
	if d := req.Data; d != nil {
		d.Err = nil
		d.BytesXfered = 0
		d.xfered = 0
		d.chain = ADMAChain{}
		d.sdmaBounce = false
		d.mode = ModePIO
	}
	h.busyHandle = false
	h.dataEarly = false
	h.dataReset = false
}

func (h *Host) autoCMD12(req *Request) bool {
	return h.flags&flagAutoCMD12 != 0 && req.SBC == nil &&
		req.Data != nil && req.Data.Blocks > 1
}

func (h *Host) useAutoCMD23(req *Request) bool {
	return h.flags&flagAutoCMD23 != 0 && req.SBC != nil
}

// isDataLineCmd reports whether cmd occupies the data line.
func isDataLineCmd(cmd *Command) bool {
	return cmd.data != nil || cmd.Flags&RespBusy != 0
}

// enterError records a transition to the error state.
func (h *Host) enterError() {
	if h.state != StateError {
		h.state = StateError
		h.stats.ErrorTransitions++
	}
}

// sendCommand issues cmd. The command register is written last; the
// controller latches the command on that write.
func (h *Host) sendCommand(cmd *Command) {
	if h.flags&flagDeviceDead != 0 {
		cmd.Err = pkg.ErrDeviceDead
		h.finishRequest()
		return
	}

	mask := uint32(hal.PresentCmdInhibit)
	if isDataLineCmd(cmd) {
		mask |= hal.PresentDataInhibit
	}
	// A stop command may use busy signaling but must not wait for the data
	// line it is meant to release.
	if h.mrq != nil && cmd == h.mrq.Stop {
		mask &^= hal.PresentDataInhibit
	}

	for i := 0; h.io.read32(hal.RegPresentState)&mask != 0; i++ {
		if i >= h.cfg.InhibitPolls {
			pkg.LogError(pkg.ComponentDispatch, "controller never released inhibit bits",
				"host", h.name,
				"opcode", cmd.Opcode,
				"mask", mask)
			h.dumpRegs()
			cmd.Err = fmt.Errorf("%w: CMD%d", pkg.ErrInhibit, cmd.Opcode)
			h.enterError()
			h.finishRequest()
			return
		}
		time.Sleep(h.cfg.PollInterval)
	}

	h.cmd = cmd
	h.busyHandle = false
	h.hwTimeout = 0

	if cmd.data != nil {
		h.dataCmd = cmd
		h.data = cmd.data
		h.dataEarly = false
	}
	if isDataLineCmd(cmd) {
		h.setTimeout(cmd)
	}
	if cmd.data != nil {
		h.prepareData(cmd)
	}

	h.armWatchdog(cmd)

	h.io.write32(hal.RegArgument, cmd.Arg)
	h.setTransferMode(cmd)

	var flags uint8
	switch {
	case cmd.Flags&RespPresent == 0:
		flags = hal.CmdRespNone
	case cmd.Flags&Resp136 != 0:
		flags = hal.CmdRespLong
	case cmd.Flags&RespBusy != 0:
		flags = hal.CmdRespShortBusy
	default:
		flags = hal.CmdRespShort
	}
	if cmd.Flags&RespCRC != 0 {
		flags |= hal.CmdCRC
	}
	if cmd.Flags&RespOpcode != 0 {
		flags |= hal.CmdIndex
	}
	if cmd.data != nil || hal.IsTuningOpcode(cmd.Opcode) {
		flags |= hal.CmdData
	}

	h.state = StateCmdInflight
	pkg.LogDebug(pkg.ComponentDispatch, "send command",
		"host", h.name,
		"opcode", cmd.Opcode,
		"arg", cmd.Arg)
	h.io.write16(hal.RegCommand, hal.MakeCommand(cmd.Opcode, flags))
}

func (h *Host) setTransferMode(cmd *Command) {
	d := cmd.data
	if d == nil {
		if h.quirks2.Has(Quirk2ClearTransferModeBeforeCmd) {
			// Tuning programs its own transfer mode.
			if !hal.IsTuningOpcode(cmd.Opcode) {
				h.io.write16(hal.RegTransferMode, 0)
			}
		} else {
			mode := h.io.read16(hal.RegTransferMode)
			h.io.write16(hal.RegTransferMode, mode&^(hal.TransferACMD12|hal.TransferACMD23))
		}
		return
	}

	req := h.mrq
	var mode uint16
	if !(h.quirks2.Has(Quirk2SupportSingle) && d.Blocks == 1) {
		mode = hal.TransferBlkCntEn
	}
	if d.Blocks > 1 || cmd.Opcode == hal.OpReadMultipleBlock || cmd.Opcode == hal.OpWriteMultiBlock {
		mode |= hal.TransferMulti
		switch {
		case h.autoCMD12(req):
			mode |= hal.TransferACMD12
		case h.useAutoCMD23(req):
			mode |= hal.TransferACMD23
			h.io.write32(hal.RegArgument2, req.SBC.Arg)
		}
	}
	if !d.Write {
		mode |= hal.TransferRead
	}
	if d.mode != ModePIO {
		mode |= hal.TransferDMA
	}
	h.io.write16(hal.RegTransferMode, mode)
}

// calcTimeout returns the data timeout counter value for cmd and the
// hardware timeout it selects.
func (h *Host) calcTimeout(cmd *Command) (uint8, time.Duration) {
	limit := uint8(0xE)
	if h.quirks2.Has(Quirk2UseReservedMaxTimeout) {
		limit = 0xF
	}

	// One counter step doubles the timeout, starting at 2^13 timeout clock
	// cycles.
	base := uint64(1<<13) * 1000 / uint64(max(h.timeoutClk, 1)) // us
	at := func(count uint8) time.Duration {
		return time.Duration(base<<count) * time.Microsecond
	}

	if h.quirks.Has(QuirkBrokenTimeoutVal) {
		return 0xE, at(0xE)
	}

	var target time.Duration
	switch {
	case cmd.data != nil:
		target = cmd.data.Timeout
		if target <= 0 {
			target = DefaultDataTimeout
		}
	case cmd.BusyTimeout > 0:
		target = cmd.BusyTimeout
	default:
		return limit, at(limit)
	}
	if h.quirks2.Has(Quirk2DivideToutBy4) {
		target /= 4
	}

	count := uint8(0)
	for at(count) < target {
		count++
		if count >= limit {
			pkg.LogDebug(pkg.ComponentDispatch, "requested timeout too large",
				"host", h.name,
				"opcode", cmd.Opcode,
				"target", target)
			break
		}
	}
	return count, at(count)
}

func (h *Host) setTimeout(cmd *Command) {
	count, hw := h.calcTimeout(cmd)
	h.hwTimeout = hw
	h.io.write8(hal.RegTimeout, count)
}

// setTransferIRQs enables the buffer ready or DMA interrupts of the chosen
// transfer mechanism.
func (h *Host) setTransferIRQs(useDMA bool) {
	const (
		pioIRQs = hal.IntDataAvail | hal.IntSpaceAvail
		dmaIRQs = hal.IntDMAEnd | hal.IntADMAError
	)
	ier := h.ier
	if useDMA {
		ier = ier&^pioIRQs | dmaIRQs
	} else {
		ier = ier&^dmaIRQs | pioIRQs
	}
	if ier != h.ier {
		h.ier = ier
		h.writeIER()
	}
}

func (h *Host) prepareData(cmd *Command) {
	d := cmd.data
	d.mode = h.selectDMA(cmd, d)

	if !h.quirks2.Has(Quirk2BrokenHostControl) {
		ctrl := h.io.read8(hal.RegHostControl) &^ hal.CtrlDMAMask
		switch d.mode {
		case ModeADMA32:
			ctrl |= hal.CtrlADMA32
		case ModeADMA64:
			ctrl |= hal.CtrlADMA64
		default:
			ctrl |= hal.CtrlSDMA
		}
		h.io.write8(hal.RegHostControl, ctrl)
	}

	h.setTransferIRQs(d.mode != ModePIO)

	d.pioBlocks = d.Blocks
	d.pioBuf, d.pioOff = 0, 0

	h.io.write16(hal.RegBlockSize, hal.MakeBlockSize(hal.SDMABoundary512K, uint16(d.BlockSize)))
	h.io.write16(hal.RegBlockCount, uint16(d.Blocks))
}

// mapData maps d for the controller unless it was pre-mapped.
func (h *Host) mapData(d *Data) error {
	if d.cookie == cookiePreMapped {
		return nil
	}
	segs, err := h.dma.Map(d.Bufs, d.direction())
	if err != nil {
		return err
	}
	d.segs = segs
	d.cookie = cookieMapped
	return nil
}

// unmapData releases a mapping the dispatcher made.
func (h *Host) unmapData(d *Data) {
	if d.cookie != cookieMapped {
		return
	}
	h.dma.Unmap(d.segs, d.direction())
	d.segs = nil
	d.cookie = cookieUnmapped
}

// selectDMA picks the transfer mechanism for d: ADMA2 when enabled, SDMA
// otherwise, and PIO whenever the request cannot use the DMA engine. A
// request that cannot use an enabled ADMA engine falls back to PIO.
func (h *Host) selectDMA(cmd *Command, d *Data) DMAMode {
	if h.dma == nil || h.flags&(flagUseSDMA|flagUseADMA) == 0 {
		return ModePIO
	}
	if h.quirks2.Has(Quirk2UsePIOForEMMCTuning) && hal.IsTuningOpcode(cmd.Opcode) {
		return ModePIO
	}

	useADMA := h.flags&flagUseADMA != 0
	switch {
	case useADMA:
		for _, b := range d.Bufs {
			if !isAligned(len(b), hal.ADMA2Align) {
				pkg.LogDebug(pkg.ComponentDMA, "segment length not aligned, using PIO",
					"host", h.name,
					"len", len(b))
				return ModePIO
			}
		}
	case !useADMA && h.quirks.Has(Quirk32BitDMASize):
		if !isAligned(d.length(), 4) {
			return ModePIO
		}
	}

	if err := h.mapData(d); err != nil {
		pkg.LogWarn(pkg.ComponentDMA, "mapping failed, using PIO",
			"host", h.name,
			"error", err)
		return ModePIO
	}

	if useADMA {
		if mode, ok := h.setupADMA(d); ok {
			return mode
		}
	} else if h.setupSDMA(d) {
		return ModeSDMA
	}
	h.unmapData(d)
	return ModePIO
}

// growBounce makes the bounce buffer at least n bytes.
func (h *Host) growBounce(n int) error {
	if h.bounce != nil && len(h.bounce.Buf) >= n {
		return nil
	}
	r, err := h.dma.Alloc(alignUp(n, 4096))
	if err != nil {
		return err
	}
	if h.bounce != nil {
		h.dma.Free(h.bounce)
	}
	h.bounce = r
	return nil
}

func (h *Host) setupADMA(d *Data) (DMAMode, bool) {
	if need := BounceNeed(d.segs, h.admaCfg); need > 0 {
		if err := h.growBounce(need); err != nil {
			pkg.LogWarn(pkg.ComponentDMA, "unable to grow bounce buffer",
				"host", h.name,
				"need", need,
				"error", err)
			return ModePIO, false
		}
	}

	chain, err := BuildADMA(h.adma.Buf, d.segs, h.bounce, h.admaCfg, d.Write)
	if err != nil {
		pkg.LogWarn(pkg.ComponentDMA, "unable to build descriptor chain",
			"host", h.name,
			"error", err)
		return ModePIO, false
	}
	d.chain = chain
	if len(chain.Bounced) > 0 {
		h.stats.BounceUses++
	}

	h.io.write32(hal.RegADMAAddress, uint32(h.adma.Addr))
	if h.admaCfg.Is64 {
		h.io.write32(hal.RegADMAAddressHi, uint32(h.adma.Addr>>32))
		return ModeADMA64, true
	}
	return ModeADMA32, true
}

func (h *Host) setupSDMA(d *Data) bool {
	n := d.length()
	var addr uint64
	seg := d.segs[0]
	direct := len(d.segs) == 1 && seg.Addr+uint64(n) <= 1<<32 &&
		(!h.quirks.Has(Quirk32BitDMAAddr) || isAligned(seg.Addr, 4))
	if direct {
		addr = seg.Addr
	} else {
		// Coalesce the scatter list through the bounce buffer.
		if err := h.growBounce(n); err != nil {
			pkg.LogWarn(pkg.ComponentDMA, "unable to grow bounce buffer",
				"host", h.name,
				"need", n,
				"error", err)
			return false
		}
		if h.bounce.Addr+uint64(n) > 1<<32 {
			return false
		}
		if d.Write {
			off := 0
			for _, b := range d.Bufs {
				off += copy(h.bounce.Buf[off:], b)
			}
		}
		addr = h.bounce.Addr
		d.sdmaBounce = true
		h.stats.BounceUses++
	}
	d.sdmaStart = addr
	h.io.write32(hal.RegDMAAddress, uint32(addr))
	return true
}

// teardownData copies bounced read data back and releases the mapping.
func (h *Host) teardownData(d *Data) {
	if !d.Write && d.Err == nil {
		switch {
		case d.mode == ModeADMA32 || d.mode == ModeADMA64:
			d.chain.CopyBack(d.segs, h.bounce)
		case d.mode == ModeSDMA && d.sdmaBounce:
			off := 0
			for _, b := range d.Bufs {
				off += copy(b, h.bounce.Buf[off:])
			}
		}
	}
	h.unmapData(d)
	d.chain = ADMAChain{}
	d.sdmaBounce = false
}

// transferPIO moves blocks through the buffer data port while the
// controller reports buffer space or data available.
func (h *Host) transferPIO(d *Data) {
	if d.pioBlocks == 0 {
		return
	}
	mask := uint32(hal.PresentDataAvail)
	if d.Write {
		mask = hal.PresentSpaceAvail
	}
	// Single block transfers on some controllers never raise the buffer bits.
	if h.quirks.Has(QuirkBrokenSmallPIO) && d.Blocks == 1 {
		mask = ^uint32(0)
	}

	for h.io.read32(hal.RegPresentState)&mask != 0 {
		if h.quirks.Has(QuirkPIONeedsDelay) {
			time.Sleep(pioDelay)
		}
		if d.Write {
			h.writeBlockPIO(d)
		} else {
			h.readBlockPIO(d)
		}
		d.pioBlocks--
		if d.pioBlocks == 0 {
			break
		}
	}
}

func (d *Data) putByte(b byte) {
	d.Bufs[d.pioBuf][d.pioOff] = b
	d.advance()
}

func (d *Data) nextByte() byte {
	b := d.Bufs[d.pioBuf][d.pioOff]
	d.advance()
	return b
}

func (d *Data) advance() {
	d.pioOff++
	if d.pioOff == len(d.Bufs[d.pioBuf]) {
		d.pioBuf++
		d.pioOff = 0
	}
}

func (h *Host) readBlockPIO(d *Data) {
	var v uint32
	chunk := 0
	for i := 0; i < d.BlockSize; i++ {
		if chunk == 0 {
			v = h.io.read32(hal.RegBuffer)
			chunk = 4
		}
		d.putByte(byte(v))
		v >>= 8
		chunk--
	}
}

func (h *Host) writeBlockPIO(d *Data) {
	var v uint32
	chunk := 0
	for i := 0; i < d.BlockSize; i++ {
		v |= uint32(d.nextByte()) << (chunk * 8)
		chunk++
		if chunk == 4 || i == d.BlockSize-1 {
			h.io.write32(hal.RegBuffer, v)
			v = 0
			chunk = 0
		}
	}
}

// readResponse copies the response registers into cmd.
func (h *Host) readResponse(cmd *Command) {
	if cmd.Flags&RespPresent == 0 {
		return
	}
	if cmd.Flags&Resp136 == 0 {
		cmd.Resp[0] = h.io.read32(hal.RegResponse)
		return
	}
	for i := 0; i < 4; i++ {
		cmd.Resp[i] = h.io.read32(hal.RegResponse + uint16(3-i)*4)
	}
	// The controller strips the CRC byte; shift it back out.
	for i := 0; i < 4; i++ {
		cmd.Resp[i] <<= 8
		if i != 3 {
			cmd.Resp[i] |= cmd.Resp[i+1] >> 24
		}
	}
}

func (h *Host) finishCommand() {
	cmd := h.cmd
	h.readResponse(cmd)
	h.cmd = nil
	h.busyHandle = false

	req := h.mrq
	if req.SBC != nil && cmd == req.SBC {
		h.sendCommand(req.Cmd)
		return
	}
	if h.data != nil && h.dataEarly {
		h.finishData()
		return
	}
	if cmd.data == nil {
		h.finishRequest()
		return
	}
	h.state = StateDataInflight
}

func (h *Host) finishData() {
	d := h.data
	dataCmd := h.dataCmd
	req := h.mrq
	h.data = nil
	h.dataCmd = nil
	h.dataEarly = false

	if d.Err != nil {
		d.BytesXfered = 0
	} else {
		d.BytesXfered = d.length()
	}

	if d.Err != nil {
		mask := uint8(hal.ResetData)
		if h.cmd == nil || h.cmd == dataCmd {
			mask |= hal.ResetCmd
		}
		_ = h.doReset(mask)
		h.dataReset = true
	}

	// Open-ended transfers and failed transfers are ended with an explicit
	// stop command.
	if req.Stop != nil && (d.Err != nil || (req.SBC == nil && !h.autoCMD12(req))) {
		h.cmd = nil
		h.sendCommand(req.Stop)
		return
	}
	if req.Stop != nil && d.Err == nil && h.autoCMD12(req) {
		req.Stop.Resp[0] = h.io.read32(hal.RegResponse + 12)
	}
	h.finishRequest()
}

// failInflight fails whatever phase is in flight with err and completes the
// request.
func (h *Host) failInflight(err error) {
	req := h.mrq
	if req == nil {
		return
	}
	if h.cmd != nil {
		h.cmd.Err = err
	}
	if h.data != nil {
		h.data.Err = err
	}
	if req.Err() == nil {
		req.Cmd.Err = err
	}
	h.enterError()
	h.finishRequest()
}

// finishRequest tears down the in-flight request, issues the reset its
// failure calls for and queues it for delivery.
func (h *Host) finishRequest() {
	req := h.mrq
	if req == nil {
		return
	}
	h.stopWatchdog()
	if h.state != StateError {
		h.state = StateFinishing
	}

	if d := req.Data; d != nil {
		h.teardownData(d)
	}

	var mask uint8
	if (req.SBC != nil && req.SBC.Err != nil) || req.Cmd.Err != nil {
		mask |= hal.ResetCmd
		if req.Data != nil {
			mask |= hal.ResetData
		}
	}
	if req.Stop != nil && req.Stop.Err != nil {
		mask |= hal.ResetCmd
	}
	if req.Data != nil && req.Data.Err != nil && !h.dataReset {
		mask |= hal.ResetData
	}
	if h.quirks.Has(QuirkResetAfterRequest) {
		mask |= hal.ResetCmd | hal.ResetData
	}
	h.mrq, h.cmd, h.dataCmd, h.data = nil, nil, nil, nil
	h.busyHandle, h.dataEarly, h.dataReset = false, false, false

	if mask != 0 && h.flags&flagDeviceDead == 0 {
		if h.quirks.Has(QuirkClockBeforeReset) {
			_ = h.setClock(h.clock)
		}
		_ = h.doReset(mask)
	}

	err := req.Err()
	if !req.internal {
		h.stats.Completed++
		if st := pkg.StatusOf(err); st != pkg.StatusSuccess {
			h.stats.Errors[st]++
		}
		if err == nil && req.Data != nil {
			h.tuningCountdown()
		}
	}
	if err != nil {
		pkg.LogDebug(pkg.ComponentDispatch, "request failed",
			"host", h.name,
			"opcode", req.Cmd.Opcode,
			"error", err)
	}

	h.state = StateIdle
	if h.flags&flagDeviceDead == 0 {
		h.gateClock()
	}
	if !req.internal {
		h.completed = append(h.completed, req)
	}
}
