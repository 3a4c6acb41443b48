package host

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ardnew/sdhci/host/hal"
	"github.com/ardnew/sdhci/host/hal/sim"
	"github.com/ardnew/sdhci/pkg"
)

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidateRequest(t *testing.T) {
	h := &Host{limits: Limits{
		MaxSegments:   MaxSegments,
		MaxBlockSize:  512,
		MaxBlockCount: MaxBlockCount,
		MaxReqSize:    MaxRequestSize,
	}}
	block := func() []byte { return make([]byte, 512) }
	many := make([][]byte, MaxSegments+1)
	for i := range many {
		many[i] = block()
	}

	tests := []struct {
		name string
		req  *Request
		want error
	}{
		{"nil request", nil, pkg.ErrInvalidRequest},
		{"no command", &Request{}, pkg.ErrInvalidRequest},
		{"long busy response", cmdReq(hal.OpSendCSD, 0, RespR2|RespBusy), pkg.ErrInvalidRequest},
		{"CMD23 without data", &Request{SBC: &Command{Opcode: hal.OpSetBlockCount}, Cmd: &Command{Opcode: hal.OpSendStatus}}, pkg.ErrInvalidRequest},
		{"stop without data", &Request{Cmd: &Command{Opcode: hal.OpSendStatus}, Stop: &Command{Opcode: hal.OpStopTransmission}}, pkg.ErrInvalidRequest},
		{"zero blocks", &Request{Cmd: &Command{Opcode: hal.OpReadSingleBlock}, Data: &Data{BlockSize: 512}}, pkg.ErrInvalidRequest},
		{"block too large", &Request{Cmd: &Command{Opcode: hal.OpReadSingleBlock}, Data: &Data{BlockSize: 1024, Blocks: 1, Bufs: [][]byte{make([]byte, 1024)}}}, pkg.ErrInvalidRequest},
		{"too many blocks", &Request{Cmd: &Command{Opcode: hal.OpReadMultipleBlock}, Data: &Data{BlockSize: 1, Blocks: MaxBlockCount + 1}}, pkg.ErrInvalidRequest},
		{"request too large", &Request{Cmd: &Command{Opcode: hal.OpReadMultipleBlock}, Data: &Data{BlockSize: 512, Blocks: 2048}}, pkg.ErrInvalidRequest},
		{"no buffers", &Request{Cmd: &Command{Opcode: hal.OpReadSingleBlock}, Data: &Data{BlockSize: 512, Blocks: 1}}, pkg.ErrInvalidRequest},
		{"too many segments", readReq(0, many...), pkg.ErrTooManySegments},
		{"empty segment", &Request{Cmd: &Command{Opcode: hal.OpReadSingleBlock}, Data: &Data{BlockSize: 512, Blocks: 1, Bufs: [][]byte{block(), {}}}}, pkg.ErrInvalidRequest},
		{"short scatter list", &Request{Cmd: &Command{Opcode: hal.OpReadMultipleBlock}, Data: &Data{BlockSize: 512, Blocks: 2, Bufs: [][]byte{block()}}}, pkg.ErrInvalidRequest},
		{"command only", cmdReq(hal.OpSendStatus, 0, RespR1), nil},
		{"read", readReq(0, block(), block()), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.validateRequest(tt.req)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("validateRequest() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("validateRequest() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubmit_RejectedWithoutRegisterAccess(t *testing.T) {
	b := newBench(t, benchOpts{cfg: Config{Quirks2: Quirk2HostNoCMD23}})
	writes := b.ctrl.Writes()

	if err := b.h.Submit(&Request{}); !errors.Is(err, pkg.ErrInvalidRequest) {
		t.Errorf("Submit(no command) error = %v", err)
	}
	req := readReq(0, make([]byte, 1024))
	req.SBC = &Command{Opcode: hal.OpSetBlockCount, Arg: 2, Flags: RespR1}
	req.Stop = nil
	if err := b.h.Submit(req); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("Submit(CMD23) error = %v, want ErrNotSupported", err)
	}
	if b.ctrl.Writes() != writes {
		t.Error("rejected requests touched registers")
	}
	if s := b.h.Stats(); s.Requests != 0 {
		t.Errorf("Stats().Requests = %d, want 0", s.Requests)
	}
}

// =============================================================================
// Timeout Calculation Tests
// =============================================================================

func TestCalcTimeout(t *testing.T) {
	const step = 8192 * time.Microsecond

	tests := []struct {
		name    string
		quirks  Quirks
		quirks2 Quirks2
		cmd     *Command
		count   uint8
	}{
		{"default data timeout", 0, 0, &Command{data: &Data{}}, 5},
		{"short data timeout", 0, 0, &Command{data: &Data{Timeout: time.Millisecond}}, 0},
		{"divided by four", 0, Quirk2DivideToutBy4, &Command{data: &Data{}}, 3},
		{"busy timeout", 0, 0, &Command{Flags: RespR1B, BusyTimeout: time.Second}, 7},
		{"clamped", 0, 0, &Command{data: &Data{Timeout: time.Hour}}, 0xE},
		{"no target", 0, 0, &Command{Flags: RespR1B}, 0xE},
		{"reserved maximum", 0, Quirk2UseReservedMaxTimeout, &Command{Flags: RespR1B}, 0xF},
		{"broken counter", QuirkBrokenTimeoutVal, 0, &Command{data: &Data{Timeout: time.Millisecond}}, 0xE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Host{timeoutClk: 1000, quirks: tt.quirks, quirks2: tt.quirks2}
			count, hw := h.calcTimeout(tt.cmd)
			if count != tt.count {
				t.Errorf("calcTimeout() count = 0x%x, want 0x%x", count, tt.count)
			}
			if want := step << tt.count; hw != want {
				t.Errorf("calcTimeout() timeout = %v, want %v", hw, want)
			}
		})
	}
}

// =============================================================================
// Command Tests
// =============================================================================

func TestSubmit_ShortResponse(t *testing.T) {
	b := newBench(t, benchOpts{})

	req := cmdReq(hal.OpSendIfCond, 0x1AA, RespR7)
	if err := b.run(req); err != nil {
		t.Fatalf("CMD8 error = %v", err)
	}
	if req.Cmd.Resp[0] != 0x1AA {
		t.Errorf("Resp[0] = 0x%08x, want 0x000001aa", req.Cmd.Resp[0])
	}
	if got, want := b.ctrl.LastToken(), sim.CommandToken(hal.OpSendIfCond, 0x1AA); got != want {
		t.Errorf("bus token = %x, want %x", got, want)
	}
	if b.h.State() != StateIdle {
		t.Errorf("State() = %v after completion", b.h.State())
	}
}

func TestSubmit_LongResponse(t *testing.T) {
	b := newBench(t, benchOpts{})

	req := cmdReq(hal.OpAllSendCID, 0, RespR2)
	if err := b.run(req); err != nil {
		t.Fatalf("CMD2 error = %v", err)
	}
	cid := b.card.CID()
	want := [4]uint32{
		binary.BigEndian.Uint32(cid[0:]),
		binary.BigEndian.Uint32(cid[4:]),
		binary.BigEndian.Uint32(cid[8:]),
		binary.BigEndian.Uint32(cid[12:]) &^ 0xFF,
	}
	if req.Cmd.Resp != want {
		t.Errorf("Resp = %08x, want %08x", req.Cmd.Resp, want)
	}
}

func TestSubmit_BusyResponse(t *testing.T) {
	for _, faults := range []sim.Fault{0, sim.FaultBusyFirst} {
		b := newBench(t, benchOpts{})
		b.ctrl.SetFaults(faults)

		req := cmdReq(hal.OpSelectCard, 0x1234<<16, RespR1B)
		if err := b.run(req); err != nil {
			t.Fatalf("CMD7 with faults 0x%x error = %v", faults, err)
		}
		if req.Cmd.Resp[0]&(1<<8) == 0 {
			t.Errorf("CMD7 response 0x%08x missing ready for data", req.Cmd.Resp[0])
		}
	}
}

func TestSubmit_Stats(t *testing.T) {
	b := newBench(t, benchOpts{})
	if err := b.run(cmdReq(hal.OpSendStatus, 0, RespR1)); err != nil {
		t.Fatalf("CMD13 error = %v", err)
	}
	if err := b.run(cmdReq(42, 0, RespR1)); !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("CMD42 error = %v, want ErrTimeout", err)
	}

	s := b.h.Stats()
	if s.Requests != 2 || s.Completed != 2 {
		t.Errorf("Requests = %d, Completed = %d, want 2 and 2", s.Requests, s.Completed)
	}
	if n := s.Errors[pkg.StatusOf(pkg.ErrTimeout)]; n != 1 {
		t.Errorf("timeout count = %d, want 1", n)
	}
	if s.ErrorTransitions != 1 {
		t.Errorf("ErrorTransitions = %d, want 1", s.ErrorTransitions)
	}
}

func TestSubmit_DoneResubmits(t *testing.T) {
	b := newBench(t, benchOpts{})

	second := cmdReq(hal.OpSendStatus, 0, RespR1)
	done := make(chan struct{})
	second.Done = func(*Request) { close(done) }

	first := cmdReq(hal.OpSendStatus, 0, RespR1)
	first.Done = func(r *Request) {
		if err := b.h.Submit(second); err != nil {
			t.Errorf("Submit() from Done error = %v", err)
			close(done)
		}
	}
	if err := b.h.Submit(first); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	b.wait(done)
	if err := second.Err(); err != nil {
		t.Errorf("second request error = %v", err)
	}
}

func TestSubmit_Busy(t *testing.T) {
	b := newBench(t, benchOpts{})
	b.ctrl.SetFaults(sim.FaultSilent)

	if _, err := b.start(cmdReq(hal.OpSendStatus, 0, RespR1)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	writes := b.ctrl.Writes()
	if err := b.h.Submit(cmdReq(hal.OpSendStatus, 0, RespR1)); !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("second Submit() error = %v, want ErrBusy", err)
	}
	if b.ctrl.Writes() != writes {
		t.Error("rejected request touched registers")
	}
}

// =============================================================================
// Data Transfer Tests
// =============================================================================

func transferModes() []struct {
	name string
	opts benchOpts
	mode DMAMode
} {
	return []struct {
		name string
		opts benchOpts
		mode DMAMode
	}{
		{"adma2-64", benchOpts{}, ModeADMA64},
		{"adma2-32", benchOpts{bits: 32}, ModeADMA32},
		{"sdma", benchOpts{cfg: Config{Quirks: QuirkBrokenADMA}}, ModeSDMA},
		{"pio", benchOpts{noDMA: true}, ModePIO},
		{"adma2 32-bit access", benchOpts{access32: true}, ModeADMA64},
		{"pio 32-bit access", benchOpts{noDMA: true, access32: true}, ModePIO},
	}
}

func TestSubmit_ReadWrite(t *testing.T) {
	for _, tt := range transferModes() {
		t.Run(tt.name, func(t *testing.T) {
			b := newBench(t, tt.opts)
			src := pattern(8*sim.BlockSize, 0x5A)

			wr := writeReq(100, src[:1536], src[1536:])
			if err := b.run(wr); err != nil {
				t.Fatalf("write error = %v", err)
			}
			if wr.Data.BytesXfered != len(src) {
				t.Errorf("write BytesXfered = %d, want %d", wr.Data.BytesXfered, len(src))
			}
			stored := make([]byte, len(src))
			b.card.ReadBlocks(100, stored)
			if !bytes.Equal(stored, src) {
				t.Fatal("card contents differ from written data")
			}

			bufs := [][]byte{make([]byte, 512), make([]byte, 2048), make([]byte, 1536)}
			rd := readReq(100, bufs...)
			if err := b.run(rd); err != nil {
				t.Fatalf("read error = %v", err)
			}
			if !bytes.Equal(joined(bufs), src) {
				t.Error("read data differs from written data")
			}
			if rd.Data.mode != tt.mode {
				t.Errorf("transfer used %v, want %v", rd.Data.mode, tt.mode)
			}
			if _, maps := b.mem.Outstanding(); maps != 0 {
				t.Errorf("%d mappings left after completion", maps)
			}
			if got := b.ctrl.Commands(); !bytes.Equal(got, []uint8{25, 12, 18, 12}) {
				t.Errorf("commands = %v, want [25 12 18 12]", got)
			}
		})
	}
}

func TestSubmit_SingleBlock(t *testing.T) {
	b := newBench(t, benchOpts{})
	src := pattern(sim.BlockSize, 0x11)
	b.card.WriteBlocks(7, src)

	buf := make([]byte, sim.BlockSize)
	req := readReq(7, buf)
	if req.Cmd.Opcode != hal.OpReadSingleBlock || req.Stop != nil {
		t.Fatalf("single block request built as CMD%d", req.Cmd.Opcode)
	}
	if err := b.run(req); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if !bytes.Equal(buf, src) {
		t.Error("read data differs from card contents")
	}
}

func TestSubmit_ADMABounce(t *testing.T) {
	for _, bits := range []int{64, 32} {
		b := newBench(t, benchOpts{bits: bits})
		b.mem.SetMapOffset(1)
		src := pattern(3*sim.BlockSize, 0xC3)

		if err := b.run(writeReq(40, src[:100], src[100:1024], src[1024:])); err != nil {
			t.Fatalf("%d-bit write error = %v", bits, err)
		}
		bufs := [][]byte{make([]byte, 300), make([]byte, 4), make([]byte, 1232)}
		if err := b.run(readReq(40, bufs...)); err != nil {
			t.Fatalf("%d-bit read error = %v", bits, err)
		}
		if !bytes.Equal(joined(bufs), src) {
			t.Errorf("%d-bit bounced read differs from written data", bits)
		}
		if s := b.h.Stats(); s.BounceUses != 2 {
			t.Errorf("%d-bit BounceUses = %d, want 2", bits, s.BounceUses)
		}
	}
}

func TestSubmit_ADMAUnalignedLength(t *testing.T) {
	b := newBench(t, benchOpts{})
	src := pattern(3*sim.BlockSize, 0x3C)
	b.card.WriteBlocks(60, src)

	bufs := [][]byte{make([]byte, 301), make([]byte, 3), make([]byte, 1232)}
	rd := readReq(60, bufs...)
	if err := b.run(rd); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if !bytes.Equal(joined(bufs), src) {
		t.Error("read data differs from card contents")
	}
	if rd.Data.mode != ModePIO {
		t.Errorf("transfer used %v, want %v for unaligned fragment lengths", rd.Data.mode, ModePIO)
	}
	if s := b.h.Stats(); s.BounceUses != 0 {
		t.Errorf("BounceUses = %d, want 0", s.BounceUses)
	}
}

func TestSubmit_ADMASegmentLimit(t *testing.T) {
	b := newBench(t, benchOpts{})
	limit := b.h.Limits().MaxSegments
	if limit != MaxSegments-1 {
		t.Fatalf("Limits().MaxSegments = %d, want %d with a terminal entry", limit, MaxSegments-1)
	}

	bufs := make([][]byte, limit+1)
	for i := range bufs {
		bufs[i] = make([]byte, sim.BlockSize)
	}
	if err := b.h.Submit(readReq(0, bufs...)); !errors.Is(err, pkg.ErrTooManySegments) {
		t.Fatalf("Submit(%d segments) error = %v, want ErrTooManySegments", len(bufs), err)
	}

	rd := readReq(0, bufs[:limit]...)
	if err := b.run(rd); err != nil {
		t.Fatalf("read of %d segments error = %v", limit, err)
	}
	if rd.Data.mode != ModeADMA64 {
		t.Errorf("transfer used %v, want %v", rd.Data.mode, ModeADMA64)
	}
	descs, err := ParseADMA(b.h.adma.Buf, true)
	if err != nil {
		t.Fatalf("ParseADMA() error = %v", err)
	}
	if len(descs)+1 != MaxSegments {
		t.Errorf("chain has %d transfer entries and a terminal entry, want %d in total", len(descs), MaxSegments)
	}
}

func TestSubmit_ADMAHighAddress(t *testing.T) {
	b := newBench(t, benchOpts{cfg: Config{Quirks2: Quirk2Broken64BitDMA}})
	b.mem.SetMapHigh(true)
	src := pattern(4*sim.BlockSize, 0x0F)

	if err := b.run(writeReq(0, src)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	buf := make([]byte, len(src))
	if err := b.run(readReq(0, buf)); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if !bytes.Equal(buf, src) {
		t.Error("read data differs from written data")
	}
	if s := b.h.Stats(); s.BounceUses != 2 {
		t.Errorf("BounceUses = %d, want 2", s.BounceUses)
	}
}

func TestSubmit_SDMABounce(t *testing.T) {
	b := newBench(t, benchOpts{cfg: Config{Quirks: QuirkBrokenADMA}})
	b.mem.SetMapHigh(true)
	src := pattern(16*sim.BlockSize, 0x42)

	if err := b.run(writeReq(8, src)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	bufs := [][]byte{make([]byte, 4096), make([]byte, 4096)}
	if err := b.run(readReq(8, bufs...)); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if !bytes.Equal(joined(bufs), src) {
		t.Error("bounced read differs from written data")
	}
	if s := b.h.Stats(); s.BounceUses != 2 {
		t.Errorf("BounceUses = %d, want 2", s.BounceUses)
	}
}

func TestSubmit_SDMABoundary(t *testing.T) {
	b := newBench(t, benchOpts{cfg: Config{Quirks: QuirkBrokenADMA}})
	// Starting mid-page puts a 512 KiB boundary inside the transfer.
	b.mem.SetMapOffset(2048)
	src := pattern(MaxRequestSize, 0x99)

	if err := b.run(writeReq(0, src)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	buf := make([]byte, len(src))
	if err := b.run(readReq(0, buf)); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if !bytes.Equal(buf, src) {
		t.Error("read across the DMA boundary differs from written data")
	}
	if s := b.h.Stats(); s.BounceUses != 0 {
		t.Errorf("BounceUses = %d, want direct transfers", s.BounceUses)
	}
}

func TestSubmit_MapFailureFallsBackToPIO(t *testing.T) {
	b := newBench(t, benchOpts{})
	src := pattern(2*sim.BlockSize, 0x77)
	b.card.WriteBlocks(3, src)
	b.mem.FailMap(true)

	buf := make([]byte, len(src))
	req := readReq(3, buf)
	if err := b.run(req); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if req.Data.mode != ModePIO {
		t.Errorf("transfer used %v, want pio", req.Data.mode)
	}
	if !bytes.Equal(buf, src) {
		t.Error("read data differs from card contents")
	}
}

func TestSubmit_SetBlockCount(t *testing.T) {
	tests := []struct {
		name     string
		opts     benchOpts
		expected []uint8
	}{
		{"auto CMD23", benchOpts{}, []uint8{18}},
		{"explicit CMD23", benchOpts{cfg: Config{Quirks: QuirkBrokenADMA}}, []uint8{23, 18}},
		{"auto CMD23 broken", benchOpts{cfg: Config{Quirks2: Quirk2ACMD23Broken}}, []uint8{23, 18}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBench(t, tt.opts)
			src := pattern(4*sim.BlockSize, 0x23)
			b.card.WriteBlocks(60, src)

			buf := make([]byte, len(src))
			req := readReq(60, buf)
			req.Stop = nil
			req.SBC = &Command{Opcode: hal.OpSetBlockCount, Arg: 4, Flags: RespR1}
			if err := b.run(req); err != nil {
				t.Fatalf("read error = %v", err)
			}
			if !bytes.Equal(buf, src) {
				t.Error("read data differs from card contents")
			}
			if got := b.ctrl.Commands(); !bytes.Equal(got, tt.expected) {
				t.Errorf("commands = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSubmit_AutoCMD12(t *testing.T) {
	b := newBench(t, benchOpts{cfg: Config{Quirks: QuirkMultiblockReadACMD12}})
	buf := make([]byte, 2*sim.BlockSize)
	req := readReq(0, buf)

	if err := b.run(req); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if got := b.ctrl.Commands(); !bytes.Equal(got, []uint8{18}) {
		t.Errorf("commands = %v, want [18]", got)
	}
	if req.Stop.Resp[0]&(1<<8) == 0 {
		t.Errorf("stop response = 0x%08x, want the auto command response", req.Stop.Resp[0])
	}
}

// =============================================================================
// Error Recovery Tests
// =============================================================================

func TestSubmit_Faults(t *testing.T) {
	tests := []struct {
		name   string
		opts   benchOpts
		faults sim.Fault
		req    func() *Request
		want   error
		phase  func(*Request) error
	}{
		{
			name:   "command timeout",
			faults: sim.FaultCommandTimeout,
			req:    func() *Request { return cmdReq(hal.OpSendStatus, 0, RespR1) },
			want:   pkg.ErrTimeout,
			phase:  func(r *Request) error { return r.Cmd.Err },
		},
		{
			name:   "command CRC",
			faults: sim.FaultCommandCRC,
			req:    func() *Request { return cmdReq(hal.OpSendStatus, 0, RespR1) },
			want:   pkg.ErrCRC,
			phase:  func(r *Request) error { return r.Cmd.Err },
		},
		{
			name:   "data CRC",
			faults: sim.FaultDataCRC,
			req:    func() *Request { return readReq(0, make([]byte, 1024)) },
			want:   pkg.ErrCRC,
			phase:  func(r *Request) error { return r.Data.Err },
		},
		{
			name:   "PIO data CRC",
			opts:   benchOpts{noDMA: true},
			faults: sim.FaultDataCRC,
			req:    func() *Request { return writeReq(0, make([]byte, 512)) },
			want:   pkg.ErrCRC,
			phase:  func(r *Request) error { return r.Data.Err },
		},
		{
			name:   "auto CMD23",
			faults: sim.FaultAutoCMD,
			req: func() *Request {
				r := readReq(0, make([]byte, 1024))
				r.Stop = nil
				r.SBC = &Command{Opcode: hal.OpSetBlockCount, Arg: 2, Flags: RespR1}
				return r
			},
			want:  pkg.ErrAutoCMD,
			phase: func(r *Request) error { return r.SBC.Err },
		},
		{
			name:   "auto CMD12",
			opts:   benchOpts{cfg: Config{Quirks: QuirkMultiblockReadACMD12}},
			faults: sim.FaultAutoCMD,
			req:    func() *Request { return readReq(0, make([]byte, 1024)) },
			want:   pkg.ErrAutoCMD,
			phase:  func(r *Request) error { return r.Data.Err },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBench(t, tt.opts)
			b.ctrl.SetFaults(tt.faults)

			req := tt.req()
			err := b.run(req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("request error = %v, want %v", err, tt.want)
			}
			if !errors.Is(tt.phase(req), tt.want) {
				t.Errorf("error recorded on the wrong phase: %v", tt.phase(req))
			}
			if req.Data != nil && req.Data.BytesXfered != 0 {
				t.Errorf("BytesXfered = %d after a failure", req.Data.BytesXfered)
			}
			if _, maps := b.mem.Outstanding(); maps != 0 {
				t.Errorf("%d mappings left after failure", maps)
			}

			// The host recovers once the fault clears.
			b.ctrl.SetFaults(0)
			if err := b.run(readReq(0, make([]byte, 1024))); err != nil {
				t.Errorf("read after recovery error = %v", err)
			}
		})
	}
}

func TestSubmit_DataEarly(t *testing.T) {
	for _, tt := range transferModes() {
		t.Run(tt.name, func(t *testing.T) {
			b := newBench(t, tt.opts)
			b.ctrl.SetFaults(sim.FaultDataEarly)
			src := pattern(2*sim.BlockSize, 0xE1)
			b.card.WriteBlocks(9, src)

			buf := make([]byte, len(src))
			if err := b.run(readReq(9, buf)); err != nil {
				t.Fatalf("read error = %v", err)
			}
			if !bytes.Equal(buf, src) {
				t.Error("read data differs from card contents")
			}
		})
	}
}

func TestSubmit_NoCard(t *testing.T) {
	b := newBench(t, benchOpts{noCard: true})
	changes := make(chan bool, 4)
	b.h.SetOnCardChange(func(present bool) { changes <- present })

	req := cmdReq(hal.OpSendStatus, 0, RespR1)
	if err := b.run(req); !errors.Is(err, pkg.ErrNoMedium) {
		t.Fatalf("request without card error = %v, want ErrNoMedium", err)
	}
	if got := b.ctrl.Commands(); len(got) != 0 {
		t.Errorf("commands issued without a card: %v", got)
	}

	b.ctrl.InsertCard(sim.NewCard(64))
	select {
	case present := <-changes:
		if !present {
			t.Error("card change reported removal on insertion")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("insertion never reported")
	}
	if err := b.run(cmdReq(hal.OpSendStatus, 0, RespR1)); err != nil {
		t.Errorf("request after insertion error = %v", err)
	}
}

func TestSubmit_RemovedDuringData(t *testing.T) {
	b := newBench(t, benchOpts{})
	changes := make(chan bool, 4)
	b.h.SetOnCardChange(func(present bool) { changes <- present })
	b.ctrl.SetFaults(sim.FaultRemoveDuringData)

	req := readReq(0, make([]byte, 4096))
	if err := b.run(req); !errors.Is(err, pkg.ErrNoMedium) {
		t.Fatalf("read error = %v, want ErrNoMedium", err)
	}
	if !errors.Is(req.Data.Err, pkg.ErrNoMedium) {
		t.Errorf("Data.Err = %v, want ErrNoMedium", req.Data.Err)
	}
	select {
	case present := <-changes:
		if present {
			t.Error("card change reported insertion on removal")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("removal never reported")
	}
	if b.h.CardPresent() {
		t.Error("CardPresent() = true after removal")
	}
	if ier := b.ctrl.Read32(hal.RegIntEnable); ier&hal.IntCardInsert == 0 {
		t.Errorf("insertion interrupt not enabled after removal: 0x%08x", ier)
	}
}

// =============================================================================
// Completion Ordering Tests
// =============================================================================

// silentStart submits req on a controller that latches commands without
// ever completing them, so the test can feed the handlers directly.
func silentStart(t *testing.T, b *bench, req *Request) <-chan struct{} {
	t.Helper()
	b.ctrl.SetFaults(sim.FaultSilent)
	done, err := b.start(req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return done
}

// feed runs the deferred handlers for the given status sequence.
func (b *bench) feed(seq ...uint32) {
	b.h.mutex.Lock()
	for _, intmask := range seq {
		if m := intmask & hal.IntCmdMask; m != 0 {
			b.h.cmdIRQ(m)
		}
		if m := intmask & hal.IntDataMask; m != 0 {
			b.h.dataIRQ(m)
		}
	}
	b.h.mutex.Unlock()
	b.h.schedule()
}

func TestCompletion_Order(t *testing.T) {
	tests := []struct {
		name string
		req  func() *Request
		seq  []uint32
	}{
		{"data after response", func() *Request { return readReq(0, make([]byte, 512)) }, []uint32{hal.IntResponse, hal.IntDataEnd}},
		{"data before response", func() *Request { return readReq(0, make([]byte, 512)) }, []uint32{hal.IntDataEnd, hal.IntResponse}},
		{"busy after response", func() *Request { return cmdReq(hal.OpSelectCard, 0x1234<<16, RespR1B) }, []uint32{hal.IntResponse, hal.IntDataEnd}},
		{"busy before response", func() *Request { return cmdReq(hal.OpSelectCard, 0x1234<<16, RespR1B) }, []uint32{hal.IntDataEnd, hal.IntResponse}},
		{"busy and response together", func() *Request { return cmdReq(hal.OpSelectCard, 0x1234<<16, RespR1B) }, []uint32{hal.IntResponse | hal.IntDataEnd}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBench(t, benchOpts{})
			req := tt.req()
			done := silentStart(t, b, req)

			b.feed(tt.seq...)
			b.wait(done)
			if err := req.Err(); err != nil {
				t.Fatalf("request error = %v", err)
			}
			if req.Data != nil && req.Data.BytesXfered != req.Data.length() {
				t.Errorf("BytesXfered = %d", req.Data.BytesXfered)
			}
			if b.h.State() != StateIdle {
				t.Errorf("State() = %v after completion", b.h.State())
			}
		})
	}
}

func TestCompletion_BusyDataTimeout(t *testing.T) {
	tests := []struct {
		name    string
		quirks2 Quirks2
		seq     []uint32
		want    error
	}{
		{"reported", 0, []uint32{hal.IntResponse, hal.IntDataTimeout}, pkg.ErrTimeout},
		{"ignored", Quirk2IgnoreDataTimeoutForR1B, []uint32{hal.IntResponse, hal.IntDataTimeout, hal.IntDataEnd}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBench(t, benchOpts{cfg: Config{Quirks2: tt.quirks2}})
			req := cmdReq(hal.OpSelectCard, 0x1234<<16, RespR1B)
			done := silentStart(t, b, req)

			b.feed(tt.seq...)
			b.wait(done)
			if err := req.Err(); (tt.want == nil) != (err == nil) || (tt.want != nil && !errors.Is(err, tt.want)) {
				t.Errorf("request error = %v, want %v", err, tt.want)
			}
		})
	}
}

type admaHook struct{ mask atomic.Uint32 }

func (a *admaHook) ADMAWorkaround(_ hal.Controller, intmask uint32) { a.mask.Store(intmask) }

var _ hal.ADMAWorkaround = (*admaHook)(nil)

func TestCompletion_ADMAError(t *testing.T) {
	hook := &admaHook{}
	b := newBench(t, benchOpts{ops: hook})
	req := readReq(0, make([]byte, 1024))
	done := silentStart(t, b, req)

	// The stop command issued after the error runs on a healthy controller.
	b.ctrl.SetFaults(0)
	b.feed(hal.IntResponse, hal.IntADMAError)
	b.wait(done)

	if !errors.Is(req.Data.Err, pkg.ErrADMA) {
		t.Errorf("Data.Err = %v, want ErrADMA", req.Data.Err)
	}
	if hook.mask.Load()&hal.IntADMAError == 0 {
		t.Error("ADMA workaround hook not called")
	}
	// A failed open-ended transfer is still stopped.
	if got := b.ctrl.Commands(); !bytes.Equal(got, []uint8{18, 12}) {
		t.Errorf("commands = %v, want [18 12]", got)
	}
}
