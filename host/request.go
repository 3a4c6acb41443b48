package host

import (
	"time"

	"github.com/ardnew/sdhci/host/hal"
)

// RespFlags describes the response a command expects.
type RespFlags uint8

// Response flag bits.
const (
	RespPresent RespFlags = 1 << iota // A response is expected
	Resp136                           // 136-bit response
	RespCRC                           // Response carries a valid CRC
	RespBusy                          // Card may signal busy after the response
	RespOpcode                        // Response echoes the command index
)

// Standard response types.
const (
	RespNone RespFlags = 0
	RespR1             = RespPresent | RespCRC | RespOpcode
	RespR1B            = RespPresent | RespCRC | RespOpcode | RespBusy
	RespR2             = RespPresent | Resp136 | RespCRC
	RespR3             = RespPresent
	RespR6             = RespPresent | RespCRC | RespOpcode
	RespR7             = RespPresent | RespCRC | RespOpcode
)

// Command is one SD/MMC command and its response.
type Command struct {
	Opcode uint8
	Arg    uint32
	Flags  RespFlags

	// BusyTimeout bounds the busy signal of an R1b command without data.
	BusyTimeout time.Duration

	// Resp holds the response after completion. A 136-bit response is
	// stored most significant word first with the CRC stripped.
	Resp [4]uint32

	// Err is set when the command phase failed.
	Err error

	data *Data
}

// dataCookie tracks who owns the DMA mapping of a data phase.
type dataCookie uint8

const (
	cookieUnmapped dataCookie = iota
	cookiePreMapped           // Mapped by PrepareRequest, released by UnprepareRequest
	cookieMapped              // Mapped by the dispatcher, released at teardown
)

// Data is the data phase of a request.
type Data struct {
	BlockSize int
	Blocks    int
	Write     bool

	// Bufs is the scatter list. The lengths must add up to
	// BlockSize*Blocks.
	Bufs [][]byte

	// Timeout is the per-block data timeout. Zero selects
	// DefaultDataTimeout.
	Timeout time.Duration

	// BytesXfered is the number of bytes moved. It is zero on error.
	BytesXfered int

	// Err is set when the data phase failed.
	Err error

	cookie dataCookie
	segs   []hal.Segment
	mode   DMAMode
	chain  ADMAChain

	sdmaBounce bool
	sdmaStart  uint64
	xfered     int

	pioBlocks int
	pioBuf    int
	pioOff    int
}

func (d *Data) length() int {
	return d.BlockSize * d.Blocks
}

func (d *Data) direction() hal.Direction {
	if d.Write {
		return hal.ToDevice
	}
	return hal.FromDevice
}

// Request is one transaction submitted to the host.
type Request struct {
	// SBC is an optional CMD23 sent ahead of a multi-block Cmd.
	SBC *Command

	// Cmd is required.
	Cmd *Command

	// Data is the optional data phase of Cmd.
	Data *Data

	// Stop is an optional CMD12 ending an open-ended multi-block transfer.
	Stop *Command

	// Done is called once from the deferred completion pass, never with the
	// host lock held. It may submit the next request.
	Done func(*Request)

	// internal marks engine-issued requests, such as tuning blocks, that are
	// neither counted nor delivered.
	internal bool
}

// Err returns the first error recorded on any phase, in issue order.
func (r *Request) Err() error {
	if r.SBC != nil && r.SBC.Err != nil {
		return r.SBC.Err
	}
	if r.Cmd != nil && r.Cmd.Err != nil {
		return r.Cmd.Err
	}
	if r.Data != nil && r.Data.Err != nil {
		return r.Data.Err
	}
	if r.Stop != nil && r.Stop.Err != nil {
		return r.Stop.Err
	}
	return nil
}
