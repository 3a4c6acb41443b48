package host

import (
	"fmt"
	"time"
)

// Engine limits.
const (
	// MaxSegments is the hard limit on scatter list fragments per request.
	MaxSegments = 128

	// MaxRequestSize is the largest transfer one request can carry.
	MaxRequestSize = 512 * 1024

	// MaxBlockCount is the block count register limit.
	MaxBlockCount = 65535

	// irqMaxLoops bounds the fast phase re-read loop.
	irqMaxLoops = 16

	// tuningBlockSize and tuningBlockSize8 are the block sizes of CMD19 and
	// 8-bit CMD21 tuning blocks.
	tuningBlockSize  = 64
	tuningBlockSize8 = 128

	// roSamples is the number of write protect samples taken when the pin is
	// unstable.
	roSamples = 5
)

// Configuration defaults.
const (
	DefaultCommandTimeout  = 10 * time.Second
	DefaultResetPolls      = 100
	DefaultResetRetries    = 3
	DefaultResetRetryDelay = time.Millisecond
	DefaultClockPolls      = 20
	DefaultInhibitPolls    = 10
	DefaultPollInterval    = time.Millisecond
	DefaultTuningLoops     = 40
	DefaultTuningWait      = 50 * time.Millisecond
	DefaultBounceSize      = 64 * 1024
	DefaultDataTimeout     = 250 * time.Millisecond

	powerSettleDelay = 10 * time.Millisecond
	signalSettle330  = 5 * time.Millisecond
	pioDelay         = 100 * time.Microsecond
	intClkRstDelay   = time.Millisecond
	roSampleInterval = 30 * time.Millisecond
)

// PowerPolicy selects how the engine trades power for latency.
type PowerPolicy uint8

// Power policies.
const (
	PowerPerformance PowerPolicy = iota // Card clock runs continuously
	PowerSave                           // Card clock is gated while idle
)

// String returns the policy name.
func (p PowerPolicy) String() string {
	switch p {
	case PowerPerformance:
		return "performance"
	case PowerSave:
		return "power-save"
	default:
		return fmt.Sprintf("PowerPolicy(%d)", p)
	}
}

// DispatchState is the state of the command/data state machine.
type DispatchState uint8

// Dispatch states.
const (
	StateIdle         DispatchState = iota // No request in flight
	StateCmdInflight                       // Command issued, awaiting completion
	StateDataInflight                      // Data phase or busy wait in progress
	StateFinishing                         // Tearing down a completed request
	StateError                             // A phase failed, request being aborted
)

// String returns the state name.
func (s DispatchState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCmdInflight:
		return "cmd-inflight"
	case StateDataInflight:
		return "data-inflight"
	case StateFinishing:
		return "finishing"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("DispatchState(%d)", s)
	}
}

// DMAMode is the transfer mechanism chosen for a data phase.
type DMAMode uint8

// Transfer mechanisms, lowest priority first.
const (
	ModePIO DMAMode = iota
	ModeSDMA
	ModeADMA32
	ModeADMA64
)

// String returns the mode name.
func (m DMAMode) String() string {
	switch m {
	case ModePIO:
		return "pio"
	case ModeSDMA:
		return "sdma"
	case ModeADMA32:
		return "adma2-32"
	case ModeADMA64:
		return "adma2-64"
	default:
		return fmt.Sprintf("DMAMode(%d)", m)
	}
}

// hostFlags are derived at probe time, except flagDeviceDead and
// flagPresetEnabled.
type hostFlags uint32

const (
	flagUseSDMA hostFlags = 1 << iota
	flagUseADMA
	flagUse64BitDMA
	flagAutoCMD12
	flagAutoCMD23
	flagSDR104NeedsTuning
	flagSDR50NeedsTuning
	flagPresetEnabled
	flagDeviceDead
	flagSignaling330
	flagSignaling180
)
