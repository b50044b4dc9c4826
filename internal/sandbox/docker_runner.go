package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lvzi316/mathviz/pkg/seccomp"
)

// DockerRunner runs submissions through the Docker CLI. It exists for
// hosts without containerd (macOS, Windows) and as the auto-selection
// fallback; the container shape matches the containerd runner exactly.
type DockerRunner struct {
	image         string
	limits        ResourceLimits
	sem           chan struct{}
	active        atomic.Int64
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	dockerHost    string
	cancelCleanup context.CancelFunc
}

func NewDockerRunner(imageRef string, maxConcurrent int) *DockerRunner {
	if maxConcurrent < 1 {
		maxConcurrent = 16
	}
	if imageRef == "" {
		imageRef = DefaultLuaImage
	}

	d := &DockerRunner{
		image:      imageRef,
		limits:     DefaultIsolatedLimits(),
		sem:        make(chan struct{}, maxConcurrent),
		dockerHost: resolveDockerHost(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d
}

// orphanCleanupLoop periodically removes instances that survived an
// engine crash.
func (d *DockerRunner) orphanCleanupLoop(ctx context.Context) {
	d.cleanupOrphans()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans()
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerRunner) cleanupOrphans() {
	cmd := exec.Command("docker", "ps", "--filter", "name="+instancePrefix, "-q") // #nosec G204 -- no user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	out, err := cmd.Output()
	if err != nil {
		return
	}
	ids := strings.Fields(strings.TrimSpace(string(out)))
	for _, id := range ids {
		log.Warn().Str("container_id", id).Msg("killing orphaned instance")
		kill := exec.Command("docker", "rm", "-f", id) // #nosec G204 -- id from docker ps
		if d.dockerHost != "" {
			kill.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
		}
		_ = kill.Run()
	}
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker
// Desktop uses a context-specific socket that child processes don't
// inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

// Execute runs one submission in a fresh Docker container. The
// returned result is never nil.
func (d *DockerRunner) Execute(ctx context.Context, sub CodeSubmission) *ExecutionResult {
	execID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(sub.Code)))

	logger := log.With().
		Str("exec_id", execID).
		Str("backend", "docker").
		Str("code_hash", codeHash[:16]).
		Logger()

	logger.Info().Msg("isolated execution requested")

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return infraResult(execID, codeHash, fmt.Errorf("%w: runner is closed", ErrInfrastructure))
	}
	d.mu.Unlock()

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return infraResult(execID, codeHash, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()})
	}

	d.wg.Add(1)
	defer d.wg.Done()
	d.active.Add(1)
	defer d.active.Add(-1)

	workDir, outDir, cleanup, err := writeWorkspace(execID, sub.Code)
	if err != nil {
		return infraResult(execID, codeHash, &ExecutionError{ExecID: execID, Op: "write_workspace", Err: err})
	}
	defer cleanup()

	profileJSON, err := seccomp.DockerProfileJSON()
	if err != nil {
		return infraResult(execID, codeHash, &ExecutionError{ExecID: execID, Op: "seccomp_profile", Err: err})
	}
	seccompPath := filepath.Join(filepath.Dir(workDir), "seccomp.json")
	if err := os.WriteFile(seccompPath, profileJSON, 0600); err != nil {
		return infraResult(execID, codeHash, &ExecutionError{ExecID: execID, Op: "write_seccomp", Err: err})
	}

	execCtx, cancel := context.WithTimeout(ctx, sub.Timeout)
	defer cancel()

	args := d.buildDockerArgs(execID, workDir, outDir, seccompPath, sub)

	start := time.Now()

	cmd := exec.CommandContext(execCtx, "docker", args...) // #nosec G204 -- args built internally, not from raw user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	duration := time.Since(start)

	run := rawRun{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}

	if runErr != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			run.TimedOut = true
			run.ExitCode = -1
			// docker run --rm leaves nothing behind after the CLI dies,
			// so kill by name in case the container outlived it.
			kill := exec.Command("docker", "rm", "-f", instancePrefix+execID) // #nosec G204 -- internally built name
			if d.dockerHost != "" {
				kill.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
			}
			_ = kill.Run()
		} else {
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				run.ExitCode = exitErr.ExitCode()
			} else {
				return infraResult(execID, codeHash, &ExecutionError{ExecID: execID, Op: "docker_run", Err: runErr})
			}
		}
	}

	logger.Info().
		Int("exit_code", run.ExitCode).
		Dur("duration", duration).
		Msg("isolated execution completed")

	return finalizeIsolated(execID, codeHash, sub, run, outDir)
}

func (d *DockerRunner) buildDockerArgs(execID, workDir, outDir, seccompPath string, sub CodeSubmission) []string {
	limits := d.limits.WithMemoryBytes(sub.MemoryBytes)

	return []string{
		"run", "--rm",
		"--name", instancePrefix + execID,
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + seccompPath,
		"--read-only",
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", limits.PidsLimit),
		"--cpus", fmt.Sprintf("%.1f", float64(limits.CPUShares)/1024.0),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", limits.DiskMB),
		"-v", fmt.Sprintf("%s:%s:ro", workDir, containerWorkspace),
		"-v", fmt.Sprintf("%s:%s:rw", outDir, containerOut),
		"--user", "65534:65534",
		"-e", "HOME=/tmp",
		"-e", "LANG=C.UTF-8",
		d.image,
		"lua", containerWorkspace + "/" + harnessFileName,
	}
}

func (d *DockerRunner) ActiveCount() int64 {
	return d.active.Load()
}

func (d *DockerRunner) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}

	// Wait up to 30s for active executions to drain.
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all isolated executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", d.active.Load()).Msg("timed out waiting for executions to drain")
	}
	return nil
}
