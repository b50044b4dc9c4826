package sandbox

import (
	"strings"
	"testing"
)

// newTestDockerRunner bypasses NewDockerRunner to avoid Docker host
// resolution and the cleanup goroutine.
func newTestDockerRunner() *DockerRunner {
	return &DockerRunner{
		image:  DefaultLuaImage,
		limits: DefaultIsolatedLimits(),
		sem:    make(chan struct{}, 4),
	}
}

func argsContain(args []string, needle string) bool {
	for _, a := range args {
		if a == needle {
			return true
		}
	}
	return false
}

func TestBuildDockerArgs(t *testing.T) {
	d := newTestDockerRunner()
	sub := CodeSubmission{Code: "result = {}", MemoryBytes: 256 << 20}

	args := d.buildDockerArgs("exec-1", "/tmp/mathviz-exec-1/workspace", "/tmp/mathviz-exec-1/out", "/tmp/seccomp.json", sub)

	if !argsContain(args, "none") {
		t.Error("expected --network none")
	}
	if !argsContain(args, "--read-only") {
		t.Error("expected --read-only rootfs")
	}
	if !argsContain(args, "65534:65534") {
		t.Error("expected --user 65534:65534")
	}
	if !argsContain(args, instancePrefix+"exec-1") {
		t.Error("expected container name with instance prefix")
	}
	if !argsContain(args, "/tmp/mathviz-exec-1/workspace:/workspace:ro") {
		t.Error("expected read-only workspace mount")
	}
	if !argsContain(args, "/tmp/mathviz-exec-1/out:/out:rw") {
		t.Error("expected writable out mount")
	}
	if !argsContain(args, "256m") {
		t.Error("expected --memory 256m from the submission ceiling")
	}
	if !argsContain(args, "seccomp=/tmp/seccomp.json") {
		t.Error("expected custom seccomp profile")
	}

	// The command is the harness, never the submitted code directly.
	last := args[len(args)-1]
	if !strings.HasSuffix(last, harnessFileName) {
		t.Errorf("last arg = %q, want harness path", last)
	}
	if args[len(args)-2] != "lua" {
		t.Errorf("interpreter = %q, want lua", args[len(args)-2])
	}
}

func TestBuildDockerArgs_NoNetworkEver(t *testing.T) {
	d := newTestDockerRunner()

	// Regardless of submission parameters there is no bridge network.
	for _, sub := range []CodeSubmission{
		{Code: "x = 1"},
		{Code: "x = 1", MemoryBytes: 2048 << 20, Mode: ModeIsolated},
	} {
		args := d.buildDockerArgs("exec-n", "/w", "/o", "/s.json", sub)
		if argsContain(args, "bridge") {
			t.Error("isolated instances must not get a bridge network")
		}
		if !argsContain(args, "none") {
			t.Error("expected --network none")
		}
	}
}
