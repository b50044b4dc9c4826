//go:build linux

package sandbox

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// applyCeilings sets a soft process-wide CPU-time rlimit, returning a
// restore func that reinstates the prior limit. The restore runs
// unconditionally on every exit path of the monitored call, including
// forced interruption.
//
// There is no RLIMIT_AS here: an address-space cap is hit by the host
// runtime's own reservations before the script's heap reaches the
// ceiling, and a failed mmap is fatal to the whole process. Memory is
// enforced by the watchdog instead; submissions needing a hard memory
// guarantee run in isolated mode.
func applyCeilings(cpuTime time.Duration) (func(), error) {
	var prevCPU unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CPU, &prevCPU); err != nil {
		return nil, fmt.Errorf("reading RLIMIT_CPU: %w", err)
	}

	cpuSoft := uint64(processCPUTime()/time.Second) + uint64(cpuTime/time.Second) + 1
	if prevCPU.Max != unix.RLIM_INFINITY && cpuSoft > prevCPU.Max {
		cpuSoft = prevCPU.Max
	}
	newCPU := unix.Rlimit{Cur: cpuSoft, Max: prevCPU.Max}
	if err := unix.Setrlimit(unix.RLIMIT_CPU, &newCPU); err != nil {
		return nil, fmt.Errorf("setting RLIMIT_CPU: %w", err)
	}

	return func() {
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &prevCPU); err != nil {
			log.Warn().Err(err).Msg("failed to restore RLIMIT_CPU")
		}
	}, nil
}

// processCPUTime returns accumulated user+system CPU time for the
// process.
func processCPUTime() time.Duration {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return user + sys
}
