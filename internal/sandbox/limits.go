package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ResourceLimits caps one isolated instance. CPUShares uses the
// 1024-per-core convention but is enforced as a hard CFS quota, not a
// best-effort weight.
type ResourceLimits struct {
	CPUShares int64 `json:"cpu_shares" yaml:"cpu_shares"` // 1024 = 1 CPU core
	MemoryMB  int64 `json:"memory_mb" yaml:"memory_mb"`   // Hard memory limit
	PidsLimit int64 `json:"pids_limit" yaml:"pids_limit"` // Max processes (fork bomb protection)
	DiskMB    int64 `json:"disk_mb" yaml:"disk_mb"`       // Tmpfs size for /tmp
}

// DefaultIsolatedLimits is the small fixed profile for one script run:
// a fractional CPU, enough memory for numeric work, few processes.
func DefaultIsolatedLimits() ResourceLimits {
	return ResourceLimits{
		CPUShares: 512, // 0.5 CPU
		MemoryMB:  512,
		PidsLimit: 16,
		DiskMB:    64,
	}
}

// WithMemoryBytes returns a copy whose memory ceiling comes from the
// submission, clamped to the validation range.
func (rl ResourceLimits) WithMemoryBytes(bytes int64) ResourceLimits {
	mb := bytes / (1024 * 1024)
	if mb < 16 {
		mb = 16
	}
	if mb > 2048 {
		mb = 2048
	}
	rl.MemoryMB = mb
	return rl
}

func (rl ResourceLimits) Validate() error {
	if rl.CPUShares < 2 || rl.CPUShares > 4096 {
		return fmt.Errorf("%w: cpu_shares must be 2-4096, got %d", ErrInvalidSubmission, rl.CPUShares)
	}
	if rl.MemoryMB < 16 || rl.MemoryMB > 2048 {
		return fmt.Errorf("%w: memory_mb must be 16-2048, got %d", ErrInvalidSubmission, rl.MemoryMB)
	}
	if rl.PidsLimit < 2 || rl.PidsLimit > 500 {
		return fmt.Errorf("%w: pids_limit must be 2-500, got %d", ErrInvalidSubmission, rl.PidsLimit)
	}
	if rl.DiskMB < 1 || rl.DiskMB > 1024 {
		return fmt.Errorf("%w: disk_mb must be 1-1024, got %d", ErrInvalidSubmission, rl.DiskMB)
	}
	return nil
}

// ApplyResourceLimits writes the limits into an OCI runtime spec.
func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}

	// CFS quota for a hard CPU cap: period=100ms,
	// quota = (CPUShares/1024) * period.
	period := uint64(100000)
	quota := int64(float64(limits.CPUShares) / 1024.0 * float64(period))
	if quota < 1000 {
		quota = 1000 // minimum 1ms
	}

	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryMB * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.PidsLimit,
	}

	tmpfsBytes := limits.DiskMB * 1024 * 1024
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", tmpfsBytes),
			"mode=1777",
		},
	})

	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 64, Soft: 64},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.PidsLimit), Soft: safeUint64(limits.PidsLimit)},
		{Type: "RLIMIT_FSIZE", Hard: safeUint64(tmpfsBytes), Soft: safeUint64(tmpfsBytes)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		{Type: "RLIMIT_STACK", Hard: 8388608, Soft: 8388608},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
