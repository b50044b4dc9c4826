package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lvzi316/mathviz/internal/config"
)

// Backend runs one submission inside an ephemeral isolated instance.
// Implementations never return a nil result: every failure shape maps
// to a terminal status on the result itself.
type Backend interface {
	Execute(ctx context.Context, sub CodeSubmission) *ExecutionResult
	Close() error
}

// NewBackend picks the best available isolation backend: containerd on
// Linux, the Docker CLI elsewhere or as a fallback.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	preference := cfg.Isolated.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "containerd":
		return newContainerdBackend(ctx, cfg)
	case "docker":
		return newDockerBackend(cfg)
	case "auto":
		if runtime.GOOS == "linux" {
			backend, err := newContainerdBackend(ctx, cfg)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return backend, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		backend, err := newDockerBackend(cfg)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return backend, nil
		}

		return nil, fmt.Errorf("no isolation backend available: install Docker (macOS/Windows) or containerd (Linux)")
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, or docker", preference)
	}
}

func newContainerdBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	client, err := NewClient(ctx, cfg.Isolated.ContainerdSocket, cfg.Isolated.Namespace)
	if err != nil {
		return nil, err
	}

	runner := NewRunner(client, cfg.Isolated.Image, cfg.Isolated.MaxConcurrent)

	cleaned, err := runner.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to clean up orphaned instances")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned instances on startup")
	}

	return runner, nil
}

func newDockerBackend(cfg *config.Config) (Backend, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}

	if err := exec.Command("docker", "info").Run(); err != nil {
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}

	return NewDockerRunner(cfg.Isolated.Image, cfg.Isolated.MaxConcurrent), nil
}

// rawRun is what a backend observed before the harness output files
// are interpreted.
type rawRun struct {
	ExitCode int
	TimedOut bool
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// oomExitCode is what the kernel leaves behind when the cgroup memory
// limit kills the interpreter (128 + SIGKILL).
const oomExitCode = 137

// finalizeIsolated turns a raw container outcome into the uniform
// result shape. Both the containerd and Docker runners share this so
// the status taxonomy cannot drift between them.
func finalizeIsolated(execID, codeHash string, sub CodeSubmission, run rawRun, outDir string) *ExecutionResult {
	res := &ExecutionResult{
		ID:       execID,
		Status:   StatusInfrastructureFault,
		Output:   truncateOutput(run.Stdout, MaxOutputBytes),
		CodeHash: codeHash,
		Usage:    ResourceUsage{WallTime: run.Duration},
	}

	switch {
	case run.TimedOut:
		res.Status = StatusTimeout
		res.Resource = ResourceWallClock
		res.ErrorDetail = fmt.Sprintf("execution exceeded %s wall clock limit", sub.Timeout)

	case run.ExitCode == oomExitCode:
		res.Status = StatusResourceExceeded
		res.Resource = ResourceMemory
		res.ErrorDetail = "interpreter killed: memory ceiling exceeded"

	case run.ExitCode != 0:
		res.Status = StatusRuntimeError
		if fault, ok := readFault(outDir); ok {
			res.ErrorDetail = fault.Message
			if fault.Traceback != "" {
				res.ErrorDetail += "\n" + fault.Traceback
			}
		} else if run.Stderr != "" {
			res.ErrorDetail = truncateOutput(run.Stderr, 256*1024)
		} else {
			res.ErrorDetail = fmt.Sprintf("interpreter exited with code %d", run.ExitCode)
		}

	default:
		result, err := readOutcome(outDir, sub)
		if err != nil {
			status, kind := statusForError(err)
			res.Status = status
			res.Resource = kind
			res.ErrorDetail = err.Error()
			return res
		}
		res.Status = StatusSuccess
		res.Result = result
		res.ArtifactPath = sub.ArtifactPath
	}

	return res
}

// infraResult is the terminal shape for failures of the isolation
// machinery itself, before or instead of a container run.
func infraResult(execID, codeHash string, err error) *ExecutionResult {
	status, kind := statusForError(err)
	return &ExecutionResult{
		ID:          execID,
		Status:      status,
		Resource:    kind,
		ErrorDetail: err.Error(),
		CodeHash:    codeHash,
	}
}
