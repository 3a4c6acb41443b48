package pkg

import "errors"

// Command and data phase errors.
var (
	// ErrTimeout indicates a command or data phase exceeded its bound.
	ErrTimeout = errors.New("timeout")

	// ErrCRC indicates a response or data CRC mismatch.
	ErrCRC = errors.New("CRC error")

	// ErrEndBit indicates a response or data end bit error.
	ErrEndBit = errors.New("end bit error")

	// ErrIndex indicates a response carried the wrong command index.
	ErrIndex = errors.New("command index error")

	// ErrADMA indicates a fault while the controller walked a descriptor chain.
	ErrADMA = errors.New("ADMA error")

	// ErrAutoCMD indicates an auto-CMD12 or auto-CMD23 sub-error.
	ErrAutoCMD = errors.New("auto command error")

	// ErrTuning indicates the sampling point search did not converge.
	ErrTuning = errors.New("tuning failed")

	// ErrIO indicates a generic I/O failure without a more specific cause.
	ErrIO = errors.New("I/O error")
)

// Controller state errors.
var (
	// ErrDeviceDead indicates the reset workaround was exhausted. The host
	// refuses all further requests.
	ErrDeviceDead = errors.New("controller dead")

	// ErrNoMedium indicates the card was removed or is absent.
	ErrNoMedium = errors.New("no medium")

	// ErrBusy indicates a request is already in flight.
	ErrBusy = errors.New("host busy")

	// ErrInhibit indicates the command or data line never left inhibit.
	ErrInhibit = errors.New("line inhibited")

	// ErrResetTimeout indicates a software reset bit never self-cleared.
	ErrResetTimeout = errors.New("reset timeout")

	// ErrClockUnstable indicates the internal clock never reported stable.
	ErrClockUnstable = errors.New("internal clock not stable")

	// ErrVoltageSwitch indicates signal voltage did not settle.
	ErrVoltageSwitch = errors.New("signal voltage switch failed")
)

// Argument and configuration errors.
var (
	// ErrInvalidRequest indicates a malformed request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrNoDMA indicates no DMA layer is available for the operation.
	ErrNoDMA = errors.New("no DMA layer")

	// ErrTooManySegments indicates a scatter list exceeds the segment limit.
	ErrTooManySegments = errors.New("too many segments")
)

// Status represents the completion cause of a request.
type Status int

// Completion status values.
const (
	StatusSuccess  Status = iota // Request completed successfully
	StatusTimeout                // Command or data timeout
	StatusCRC                    // CRC mismatch
	StatusEndBit                 // End bit error
	StatusIndex                  // Command index error
	StatusADMA                   // ADMA descriptor fault
	StatusAutoCMD                // Auto-CMD12/23 error
	StatusTuning                 // Tuning did not converge
	StatusDead                   // Controller dead
	StatusNoMedium               // Card absent
	StatusIO                     // Other failure
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTimeout:
		return "timeout"
	case StatusCRC:
		return "crc"
	case StatusEndBit:
		return "endbit"
	case StatusIndex:
		return "index"
	case StatusADMA:
		return "adma"
	case StatusAutoCMD:
		return "autocmd"
	case StatusTuning:
		return "tuning"
	case StatusDead:
		return "dead"
	case StatusNoMedium:
		return "nomedium"
	case StatusIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the status.
func (s Status) Error() error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusTimeout:
		return ErrTimeout
	case StatusCRC:
		return ErrCRC
	case StatusEndBit:
		return ErrEndBit
	case StatusIndex:
		return ErrIndex
	case StatusADMA:
		return ErrADMA
	case StatusAutoCMD:
		return ErrAutoCMD
	case StatusTuning:
		return ErrTuning
	case StatusDead:
		return ErrDeviceDead
	case StatusNoMedium:
		return ErrNoMedium
	default:
		return ErrIO
	}
}

// StatusOf classifies err. A nil error is [StatusSuccess]; errors that wrap
// none of the known sentinels are [StatusIO].
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	for s := StatusTimeout; s < StatusIO; s++ {
		if errors.Is(err, s.Error()) {
			return s
		}
	}
	return StatusIO
}
