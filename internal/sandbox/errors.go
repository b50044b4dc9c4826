package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. Each maps to exactly one
// terminal Status.
var (
	ErrTimeout           = errors.New("execution exceeded wall-clock deadline")
	ErrMemoryExceeded    = errors.New("memory ceiling exceeded")
	ErrCPUExceeded       = errors.New("cpu time ceiling exceeded")
	ErrRuntimeFault      = errors.New("generated code raised an error")
	ErrContractViolation = errors.New("backend reported success without honoring the output contract")
	ErrInfrastructure    = errors.New("sandbox infrastructure unavailable")
	ErrInvalidSubmission = errors.New("invalid submission")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a wall-clock deadline breach.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsResourceExceeded returns true if a memory or CPU ceiling was breached.
func IsResourceExceeded(err error) bool {
	return errors.Is(err, ErrMemoryExceeded) || errors.Is(err, ErrCPUExceeded)
}

// IsInfrastructure returns true when the isolation layer itself failed,
// as opposed to the generated code misbehaving.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrInfrastructure)
}

// statusForError maps a backend error to the terminal status and, for
// resource breaches, the breached ceiling kind.
func statusForError(err error) (Status, ResourceKind) {
	switch {
	case errors.Is(err, ErrTimeout):
		return StatusTimeout, ResourceWallClock
	case errors.Is(err, ErrMemoryExceeded):
		return StatusResourceExceeded, ResourceMemory
	case errors.Is(err, ErrCPUExceeded):
		return StatusResourceExceeded, ResourceCPU
	case errors.Is(err, ErrContractViolation):
		return StatusContractViolation, ""
	case errors.Is(err, ErrRuntimeFault):
		return StatusRuntimeError, ""
	default:
		return StatusInfrastructureFault, ""
	}
}
