package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ardnew/sdhci/host"
	"github.com/ardnew/sdhci/host/hal"
	"github.com/ardnew/sdhci/host/hal/sim"
	"github.com/ardnew/sdhci/pkg"
)

// slotOptions configures one simulated controller and its workload.
type slotOptions struct {
	requests   int
	maxBlocks  int
	cardBlocks int
	addrBits   int
	noADMA     bool
	noDMA      bool
	powerSave  bool
	seed       int64
}

// slotResult summarizes a finished slot.
type slotResult struct {
	index   int
	name    string
	mode    host.DMAMode
	bytes   int64
	elapsed time.Duration
	stats   host.Stats
	err     error
}

func (r slotResult) log() {
	if r.name == "" {
		return
	}
	attrs := []any{
		"slot", r.index,
		"host", r.name,
		"mode", r.mode.String(),
		"bytes", r.bytes,
		"elapsed", r.elapsed.Round(time.Millisecond),
		"requests", r.stats.Requests,
		"completed", r.stats.Completed,
		"resets", r.stats.Resets,
		"bounce_uses", r.stats.BounceUses,
	}
	for status, n := range r.stats.Errors {
		attrs = append(attrs, "err_"+status.String(), n)
	}
	if r.err != nil {
		pkg.LogError(componentSim, "slot failed", append(attrs, "error", r.err)...)
		return
	}
	pkg.LogInfo(componentSim, "slot finished", attrs...)
}

// =============================================================================
// Slot Lifecycle
// =============================================================================

// runSlot probes a simulated controller, identifies its card and runs the
// verified workload.
func runSlot(ctx context.Context, index int, opts slotOptions) (res slotResult, err error) {
	res.index = index
	defer func() { res.err = err }()

	bits := opts.addrBits
	if bits == 0 {
		bits = 64
	}
	mem := sim.NewMemory(bits)
	ctrl := sim.New(sim.Config{Memory: mem, Card: sim.NewCard(opts.cardBlocks)})
	defer ctrl.Close()

	cfg := host.Config{Name: fmt.Sprintf("sim%d", index)}
	if opts.noADMA {
		cfg.Quirks |= host.QuirkBrokenADMA
	}
	if opts.powerSave {
		cfg.PowerPolicy = host.PowerSave
	}
	var dma hal.DMA = mem
	if opts.noDMA {
		dma = nil
	}

	h, err := host.New(ctrl, dma, nil, cfg)
	if err != nil {
		return res, err
	}
	ctrl.SetIRQHandler(h.HandleIRQ)
	defer h.Remove(false)

	res.name = h.Name()
	res.mode = h.Limits().Mode
	defer func() { res.stats = h.Stats() }()

	s := &slot{h: h, rnd: rand.New(rand.NewSource(opts.seed + int64(index))), opts: opts}
	if err := s.identify(ctx); err != nil {
		return res, fmt.Errorf("%s: identify: %w", res.name, err)
	}

	start := time.Now()
	for i := 0; i < opts.requests; i++ {
		n, err := s.verify(ctx, i)
		res.bytes += int64(n)
		if err != nil {
			return res, fmt.Errorf("%s: request pair %d: %w", res.name, i, err)
		}
	}
	res.elapsed = time.Since(start)
	return res, nil
}

type slot struct {
	h    *host.Host
	rnd  *rand.Rand
	opts slotOptions
	rca  uint32
}

// start submits req and returns a channel closed on completion.
func (s *slot) start(req *host.Request) (<-chan struct{}, error) {
	done := make(chan struct{})
	req.Done = func(*host.Request) { close(done) }
	return done, s.h.Submit(req)
}

func (s *slot) wait(ctx context.Context, req *host.Request, done <-chan struct{}) error {
	select {
	case <-done:
		return req.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs one request to completion.
func (s *slot) do(ctx context.Context, req *host.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done, err := s.start(req)
	if err != nil {
		return err
	}
	return s.wait(ctx, req, done)
}

func (s *slot) cmd(ctx context.Context, op uint8, arg uint32, flags host.RespFlags) (*host.Command, error) {
	cmd := &host.Command{Opcode: op, Arg: arg, Flags: flags}
	if err := s.do(ctx, &host.Request{Cmd: cmd}); err != nil {
		return cmd, fmt.Errorf("CMD%d: %w", op, err)
	}
	return cmd, nil
}

func (s *slot) appCmd(ctx context.Context, op uint8, arg uint32, flags host.RespFlags) (*host.Command, error) {
	if _, err := s.cmd(ctx, hal.OpAppCmd, s.rca<<16, host.RespR1); err != nil {
		return nil, err
	}
	return s.cmd(ctx, op, arg, flags)
}

// =============================================================================
// Card Identification
// =============================================================================

const (
	identClock    = 400000
	transferClock = 25000000

	ifCondCheck = 0x1AA
	ocrHCS      = 1 << 30
	ocrBusy     = 1 << 31
	ocrVoltage  = 0x00FF8000
	busWidth4   = 2 // ACMD6 argument

	identRetries = 100
)

// identify powers the bus, walks the card to the transfer state and widens
// the bus.
func (s *slot) identify(ctx context.Context) error {
	err := s.h.SetIOS(host.IOS{
		Clock:     identClock,
		PowerMode: hal.PowerOnMode,
		VDD:       hal.Voltage330,
		BusWidth:  hal.BusWidth1,
		Timing:    hal.TimingLegacy,
	})
	if err != nil {
		return err
	}

	if _, err := s.cmd(ctx, hal.OpGoIdle, 0, 0); err != nil {
		return err
	}
	c, err := s.cmd(ctx, hal.OpSendIfCond, ifCondCheck, host.RespR7)
	if err != nil {
		return err
	}
	if c.Resp[0]&0xFFF != ifCondCheck {
		return fmt.Errorf("%w: CMD8 echo 0x%03x", pkg.ErrIO, c.Resp[0]&0xFFF)
	}

	ready := false
	for i := 0; i < identRetries && !ready; i++ {
		c, err := s.appCmd(ctx, hal.OpAppSendOpCond, ocrHCS|ocrVoltage, host.RespR3)
		if err != nil {
			return err
		}
		ready = c.Resp[0]&ocrBusy != 0
	}
	if !ready {
		return fmt.Errorf("%w: card never left power up", pkg.ErrTimeout)
	}

	if c, err = s.cmd(ctx, hal.OpAllSendCID, 0, host.RespR2); err != nil {
		return err
	}
	pkg.LogDebug(componentSim, "card identified",
		"host", s.h.Name(),
		"cid", fmt.Sprintf("%08x%08x%08x%08x", c.Resp[0], c.Resp[1], c.Resp[2], c.Resp[3]))

	if c, err = s.cmd(ctx, hal.OpSendRelativeAddr, 0, host.RespR6); err != nil {
		return err
	}
	s.rca = c.Resp[0] >> 16
	if _, err := s.cmd(ctx, hal.OpSelectCard, s.rca<<16, host.RespR1B); err != nil {
		return err
	}
	if _, err := s.appCmd(ctx, hal.OpAppSetBusWidth, busWidth4, host.RespR1); err != nil {
		return err
	}

	return s.h.SetIOS(host.IOS{
		Clock:     transferClock,
		PowerMode: hal.PowerOnMode,
		VDD:       hal.Voltage330,
		BusWidth:  hal.BusWidth4,
		Timing:    hal.TimingSDHS,
	})
}

// =============================================================================
// Workload
// =============================================================================

// transfer builds a block transfer of the given buffers at lba. Multi-block
// transfers alternate between a counted (CMD23) and an open-ended form.
func (s *slot) transfer(lba uint32, write, counted bool, bufs [][]byte) *host.Request {
	blocks := 0
	for _, b := range bufs {
		blocks += len(b) / sim.BlockSize
	}
	op := uint8(hal.OpReadSingleBlock)
	if write {
		op = hal.OpWriteBlock
	}
	req := &host.Request{
		Cmd:  &host.Command{Opcode: op, Arg: lba, Flags: host.RespR1},
		Data: &host.Data{BlockSize: sim.BlockSize, Blocks: blocks, Write: write, Bufs: bufs},
	}
	if blocks > 1 {
		req.Cmd.Opcode++
		if counted {
			req.SBC = &host.Command{Opcode: hal.OpSetBlockCount, Arg: uint32(blocks), Flags: host.RespR1}
		} else {
			req.Stop = &host.Command{Opcode: hal.OpStopTransmission, Flags: host.RespR1B}
		}
	}
	return req
}

// scatter splits p at random block boundaries.
func (s *slot) scatter(p []byte) [][]byte {
	var bufs [][]byte
	for len(p) > 0 {
		n := (1 + s.rnd.Intn(len(p)/sim.BlockSize)) * sim.BlockSize
		bufs = append(bufs, p[:n:n])
		p = p[n:]
	}
	return bufs
}

// verify writes random data to a random extent and reads it back. The read
// is mapped while the write is in flight.
func (s *slot) verify(ctx context.Context, i int) (int, error) {
	blocks := 1 + s.rnd.Intn(s.opts.maxBlocks)
	lba := uint32(s.rnd.Intn(s.opts.cardBlocks - blocks + 1))
	size := blocks * sim.BlockSize

	data := make([]byte, size)
	s.rnd.Read(data)
	got := make([]byte, size)

	wr := s.transfer(lba, true, i%2 == 0, s.scatter(data))
	rd := s.transfer(lba, false, i%2 == 1, s.scatter(got))

	if err := s.h.PrepareRequest(wr); err != nil {
		return 0, err
	}
	defer s.h.UnprepareRequest(wr)

	done, err := s.start(wr)
	if err != nil {
		return 0, err
	}
	if err := s.h.PrepareRequest(rd); err != nil {
		return 0, err
	}
	defer s.h.UnprepareRequest(rd)

	if err := s.wait(ctx, wr, done); err != nil {
		return 0, fmt.Errorf("write %d blocks at %d: %w", blocks, lba, err)
	}
	if err := s.do(ctx, rd); err != nil {
		return size, fmt.Errorf("read %d blocks at %d: %w", blocks, lba, err)
	}
	if !bytes.Equal(got, data) {
		return 2 * size, fmt.Errorf("%w: data mismatch over %d blocks at %d", pkg.ErrIO, blocks, lba)
	}
	return 2 * size, nil
}
