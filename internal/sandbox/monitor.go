package sandbox

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"
)

// MonitorLimits are the ceilings one monitored call runs under. All
// three are finite and positive by the time they reach the monitor.
type MonitorLimits struct {
	MemoryBytes int64
	CPUTime     time.Duration
	WallClock   time.Duration
}

// ResourceMonitor applies memory and CPU-time ceilings around an
// in-process call and restores prior limits on every exit path. CPU
// time gets a soft rlimit backstop; memory is watchdog-only, canceling
// the call's context with a distinct cause per breached ceiling so the
// interpreter unwinds cleanly instead of the host being killed. The
// memory ceiling is therefore cooperative; a hard guarantee needs
// isolated mode.
//
// Rlimits are process-wide, so Run serializes: at most one monitored
// call per monitor at a time.
type ResourceMonitor struct {
	// SampleInterval is how often the watchdog checks usage.
	SampleInterval time.Duration

	mu sync.Mutex
}

// NewResourceMonitor returns a monitor with the default sampling rate.
func NewResourceMonitor() *ResourceMonitor {
	return &ResourceMonitor{SampleInterval: 10 * time.Millisecond}
}

// Run invokes fn under limits. The context passed to fn is canceled
// with ErrTimeout, ErrMemoryExceeded or ErrCPUExceeded when the
// corresponding ceiling is breached; fn is expected to honor the
// cancellation promptly (a cooperative interrupt with the rlimit
// backstop behind it). Usage accounting is returned on every path.
func (m *ResourceMonitor) Run(ctx context.Context, limits MonitorLimits, fn func(ctx context.Context) error) (ResourceUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	interval := m.SampleInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}

	restore, err := applyCeilings(limits.CPUTime)
	if err != nil {
		return ResourceUsage{}, &ExecutionError{Op: "apply_rlimits", Err: err}
	}
	defer restore()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	wallTimer := time.AfterFunc(limits.WallClock, func() {
		cancel(ErrTimeout)
	})
	defer wallTimer.Stop()

	baseCPU := processCPUTime()
	baseHeap := heapInUse()

	// Cancel a sampling margin below the ceiling: growth between two
	// samples must never carry the heap past the point where the
	// runtime itself cannot allocate.
	memoryCeiling := limits.MemoryBytes - limits.MemoryBytes/8

	var peak int64
	watchdogDone := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				used := heapInUse() - baseHeap
				if used > peak {
					peak = used
				}
				if used > memoryCeiling {
					cancel(ErrMemoryExceeded)
					return
				}
				if processCPUTime()-baseCPU > limits.CPUTime {
					cancel(ErrCPUExceeded)
					return
				}
			}
		}
	}()

	start := time.Now()
	fnErr := fn(runCtx)
	wall := time.Since(start)

	close(stop)
	<-watchdogDone

	usage := ResourceUsage{
		WallTime:   wall,
		CPUTime:    processCPUTime() - baseCPU,
		PeakMemory: peak,
	}

	// A ceiling breach takes precedence over whatever error the
	// interrupted call surfaced while unwinding.
	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return usage, cause
	}
	return usage, fnErr
}

func heapInUse() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapAlloc)
}
