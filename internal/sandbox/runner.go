package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultLuaImage is the interpreter image the harness runs under.
const DefaultLuaImage = "docker.io/nickblah/lua:5.4-alpine"

// Runner executes submissions in containerd-managed instances. Each
// run gets a throwaway container with the harness workspace mounted
// read only and a writable out directory for the result files.
type Runner struct {
	client *Client
	image  string
	limits ResourceLimits
	sem    chan struct{}
	active atomic.Int64
	mu     sync.Mutex
	closed bool
}

// NewRunner creates a containerd runner. imageRef may be empty to use
// DefaultLuaImage.
func NewRunner(client *Client, imageRef string, maxConcurrent int) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 16
	}
	if imageRef == "" {
		imageRef = DefaultLuaImage
	}

	return &Runner{
		client: client,
		image:  imageRef,
		limits: DefaultIsolatedLimits(),
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// Execute runs one submission in a fresh container and returns the
// normalized result. The returned result is never nil.
func (r *Runner) Execute(ctx context.Context, sub CodeSubmission) *ExecutionResult {
	execID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(sub.Code)))

	logger := log.With().
		Str("exec_id", execID).
		Str("backend", "containerd").
		Str("code_hash", codeHash[:16]).
		Logger()

	logger.Info().Msg("isolated execution requested")

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return infraResult(execID, codeHash, fmt.Errorf("%w: runner is closed", ErrInfrastructure))
	}
	r.mu.Unlock()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return infraResult(execID, codeHash, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()})
	}

	r.active.Add(1)
	defer r.active.Add(-1)

	workDir, outDir, cleanup, err := writeWorkspace(execID, sub.Code)
	if err != nil {
		return infraResult(execID, codeHash, &ExecutionError{ExecID: execID, Op: "write_workspace", Err: err})
	}
	defer cleanup()

	execCtx, cancel := context.WithTimeout(ctx, sub.Timeout)
	defer cancel()

	image, err := r.client.EnsureImage(execCtx, r.image)
	if err != nil {
		return infraResult(execID, codeHash, &ExecutionError{ExecID: execID, Op: "ensure_image", Err: err})
	}

	start := time.Now()

	run, err := r.runContainer(execCtx, execID, image, workDir, outDir, sub, logger)
	if err != nil {
		return infraResult(execID, codeHash, &ExecutionError{ExecID: execID, Op: "run_container", Err: err})
	}
	run.Duration = time.Since(start)

	return finalizeIsolated(execID, codeHash, sub, run, outDir)
}

// ActiveCount returns the number of currently running executions.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close marks the runner closed. In-flight executions finish normally.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// runContainer creates the container and task, waits for exit or
// deadline, and returns the raw outcome. Cleanup always happens, even
// when the task has to be killed.
func (r *Runner) runContainer(
	ctx context.Context,
	execID string,
	image containerd.Image,
	workDir, outDir string,
	sub CodeSubmission,
	logger zerolog.Logger,
) (rawRun, error) {
	containerID := instancePrefix + execID

	limits := r.limits.WithMemoryBytes(sub.MemoryBytes)
	secProfile := DefaultSecurityProfile()

	nsCtx := r.client.WithNamespace(ctx)

	container, err := r.client.Raw().NewContainer(nsCtx, containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs("lua", containerWorkspace+"/"+harnessFileName),
			oci.WithHostname("mathviz"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, secProfile)
				ApplyResourceLimits(s, limits)

				s.Mounts = append(s.Mounts,
					specs.Mount{
						Destination: containerWorkspace,
						Type:        "bind",
						Source:      workDir,
						Options:     []string{"rbind", "ro"},
					},
					specs.Mount{
						Destination: containerOut,
						Type:        "bind",
						Source:      outDir,
						Options:     []string{"rbind", "rw"},
					},
				)

				s.Process.Env = []string{
					"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
					"HOME=/tmp",
					"LANG=C.UTF-8",
				}

				return nil
			},
		),
	)
	if err != nil {
		return rawRun{}, fmt.Errorf("creating container: %w", err)
	}
	defer func() {
		if cleanErr := r.cleanupContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	var stdoutBuf, stderrBuf bytes.Buffer
	var stdout, stderr io.Writer = &stdoutBuf, &stderrBuf

	task, err := container.NewTask(nsCtx,
		cio.NewCreator(cio.WithStreams(nil, stdout, stderr)),
	)
	if err != nil {
		return rawRun{}, fmt.Errorf("creating task: %w", err)
	}
	defer func() {
		if _, delErr := task.Delete(context.Background(), containerd.WithProcessKill); delErr != nil {
			logger.Error().Err(delErr).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return rawRun{}, fmt.Errorf("waiting on task: %w", err)
	}

	if err := task.Start(nsCtx); err != nil {
		return rawRun{}, fmt.Errorf("starting task: %w", err)
	}

	logger.Debug().Str("container_id", containerID).Msg("task started")

	select {
	case status := <-exitCh:
		return rawRun{
			ExitCode: int(status.ExitCode()),
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
		}, nil

	case <-ctx.Done():
		logger.Warn().Msg("deadline reached, killing task")
		if killErr := task.Kill(context.Background(), 9); killErr != nil {
			logger.Error().Err(killErr).Msg("failed to kill task")
		}
		<-exitCh

		return rawRun{
			TimedOut: true,
			ExitCode: -1,
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
		}, nil
	}
}
