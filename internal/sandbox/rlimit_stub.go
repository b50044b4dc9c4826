//go:build !linux

package sandbox

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Non-Linux hosts get no rlimit backstop; the watchdog in
// ResourceMonitor still enforces the ceilings cooperatively.
func applyCeilings(cpuTime time.Duration) (func(), error) {
	log.Debug().Msg("rlimits unsupported on this platform, watchdog enforcement only")
	return func() {}, nil
}

func processCPUTime() time.Duration {
	return 0
}
