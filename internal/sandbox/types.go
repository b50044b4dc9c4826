package sandbox

import (
	"time"
)

// Mode selects the execution strategy for a submission.
type Mode string

const (
	// ModeRestricted runs the script in-process under a reduced Lua
	// namespace with process-wide resource ceilings.
	ModeRestricted Mode = "restricted"

	// ModeIsolated runs the script inside an ephemeral, network-disabled
	// container.
	ModeIsolated Mode = "isolated"
)

// Valid reports whether m names a known execution mode.
func (m Mode) Valid() bool {
	return m == ModeRestricted || m == ModeIsolated
}

// Status is the single terminal outcome of a submission.
type Status string

const (
	StatusSuccess             Status = "success"
	StatusValidationFailed    Status = "validation_failed"
	StatusRuntimeError        Status = "runtime_error"
	StatusTimeout             Status = "timeout"
	StatusResourceExceeded    Status = "resource_exceeded"
	StatusContractViolation   Status = "contract_violation"
	StatusInfrastructureFault Status = "infrastructure_fault"
)

// ResourceKind names which ceiling was breached when
// Status == StatusResourceExceeded.
type ResourceKind string

const (
	ResourceMemory    ResourceKind = "memory"
	ResourceCPU       ResourceKind = "cpu"
	ResourceWallClock ResourceKind = "wall_clock"
)

// CodeSubmission is one unit of untrusted generated code plus its
// execution parameters. The artifact path is chosen by the caller,
// never by the generated code.
type CodeSubmission struct {
	Code         string        `json:"code"`
	ArtifactPath string        `json:"artifact_path"`
	Timeout      time.Duration `json:"timeout"`
	MemoryBytes  int64         `json:"memory_bytes"`
	Mode         Mode          `json:"mode"`
}

// ResourceUsage is diagnostic accounting attached to every result.
type ResourceUsage struct {
	WallTime   time.Duration `json:"wall_time"`
	CPUTime    time.Duration `json:"cpu_time"`
	PeakMemory int64         `json:"peak_memory_bytes"`
}

// ExecutionResult is the uniform outcome shape both backends produce.
type ExecutionResult struct {
	ID           string         `json:"id"`
	Status       Status         `json:"status"`
	Output       string         `json:"output"`
	ArtifactPath string         `json:"artifact_path,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorDetail  string         `json:"error_detail,omitempty"`
	Resource     ResourceKind   `json:"resource,omitempty"`
	Usage        ResourceUsage  `json:"resource_usage"`
	CodeHash     string         `json:"code_hash"`
	Violations   []string       `json:"violations,omitempty"`
}

// Succeeded reports whether the submission ran to completion and
// honored the output contract.
func (r *ExecutionResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

const (
	// MaxCodeBytes bounds submitted source text.
	MaxCodeBytes = 1 << 20

	// MaxOutputBytes bounds captured print output.
	MaxOutputBytes = 1 << 20

	// MaxTimeout is the hard ceiling on the wall-clock deadline.
	MaxTimeout = 60 * time.Second

	// DefaultTimeout applies when a submission carries none.
	DefaultTimeout = 30 * time.Second

	// DefaultMemoryBytes applies when a submission carries no ceiling.
	DefaultMemoryBytes = 512 << 20
)

// Normalize fills bounded defaults for zero-valued parameters and
// clamps the timeout to the hard ceiling. Invariant: timeout and
// memory ceiling are always finite and positive afterwards.
func (s *CodeSubmission) Normalize() {
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.Timeout > MaxTimeout {
		s.Timeout = MaxTimeout
	}
	if s.MemoryBytes <= 0 {
		s.MemoryBytes = DefaultMemoryBytes
	}
	if s.Mode == "" {
		s.Mode = ModeRestricted
	}
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... [output truncated]"
}
