package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testSubmission(t *testing.T, code string) CodeSubmission {
	t.Helper()
	return CodeSubmission{
		Code:         code,
		ArtifactPath: filepath.Join(t.TempDir(), "artifact.txt"),
		Timeout:      10 * time.Second,
		MemoryBytes:  DefaultMemoryBytes,
		Mode:         ModeRestricted,
	}
}

func TestRestrictedExecute_Success(t *testing.T) {
	e := NewRestrictedExecutor()
	sub := testSubmission(t, `
local x = math.sqrt(1764)
print("computing")
result = { answer = x, label = "root" }
`)

	res := e.Execute(context.Background(), sub)

	if res.Status != StatusSuccess {
		t.Fatalf("Status = %s (%s), want success", res.Status, res.ErrorDetail)
	}
	if res.Result["answer"] != float64(42) {
		t.Errorf("Result[answer] = %v, want 42", res.Result["answer"])
	}
	if res.Result["label"] != "root" {
		t.Errorf("Result[label] = %v, want root", res.Result["label"])
	}
	if !strings.Contains(res.Output, "computing") {
		t.Errorf("Output = %q, want print output captured", res.Output)
	}
	if res.ID == "" || res.CodeHash == "" {
		t.Error("ID and CodeHash must always be set")
	}
	if res.Usage.WallTime <= 0 {
		t.Error("WallTime not recorded")
	}
}

func TestRestrictedExecute_DefaultArtifactOnSuccess(t *testing.T) {
	// A successful run without save_artifact still produces an artifact
	// at the caller's path, rendered from the result mapping.
	e := NewRestrictedExecutor()
	sub := testSubmission(t, `result = { answer = 42 }`)

	res := e.Execute(context.Background(), sub)
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %s (%s)", res.Status, res.ErrorDetail)
	}
	if res.ArtifactPath != sub.ArtifactPath {
		t.Errorf("ArtifactPath = %q, want %q", res.ArtifactPath, sub.ArtifactPath)
	}

	data, err := os.ReadFile(sub.ArtifactPath)
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if !strings.Contains(string(data), "answer = 42") {
		t.Errorf("artifact = %q, want rendered result mapping", data)
	}
}

func TestRestrictedExecute_SaveArtifact(t *testing.T) {
	e := NewRestrictedExecutor()
	sub := testSubmission(t, `
save_artifact("col a,col b\n1,2\n")
result = { rows = 1 }
`)

	res := e.Execute(context.Background(), sub)
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %s (%s)", res.Status, res.ErrorDetail)
	}

	data, err := os.ReadFile(sub.ArtifactPath)
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if string(data) != "col a,col b\n1,2\n" {
		t.Errorf("artifact = %q, want the saved content verbatim", data)
	}
}

func TestRestrictedExecute_RuntimeError(t *testing.T) {
	e := NewRestrictedExecutor()
	sub := testSubmission(t, `error("deliberate failure")`)

	res := e.Execute(context.Background(), sub)

	if res.Status != StatusRuntimeError {
		t.Fatalf("Status = %s, want runtime_error", res.Status)
	}
	if !strings.Contains(res.ErrorDetail, "deliberate failure") {
		t.Errorf("ErrorDetail = %q, want the script's message preserved", res.ErrorDetail)
	}
}

func TestRestrictedExecute_NilIndexFault(t *testing.T) {
	e := NewRestrictedExecutor()
	sub := testSubmission(t, `local t = nil
result = { v = t.field }`)

	res := e.Execute(context.Background(), sub)
	if res.Status != StatusRuntimeError {
		t.Fatalf("Status = %s, want runtime_error", res.Status)
	}
}

func TestRestrictedExecute_Timeout(t *testing.T) {
	e := NewRestrictedExecutor()
	sub := testSubmission(t, `while true do end`)
	sub.Timeout = 300 * time.Millisecond

	start := time.Now()
	res := e.Execute(context.Background(), sub)
	elapsed := time.Since(start)

	if res.Status != StatusTimeout {
		t.Fatalf("Status = %s, want timeout", res.Status)
	}
	if res.Resource != ResourceWallClock {
		t.Errorf("Resource = %s, want wall_clock", res.Resource)
	}
	if elapsed > 5*time.Second {
		t.Errorf("execution took %s, interrupt was not prompt", elapsed)
	}
}

func TestRestrictedExecute_ScrubbedNamespace(t *testing.T) {
	e := NewRestrictedExecutor()
	sub := testSubmission(t, `
result = {
  os_gone = os == nil,
  io_gone = io == nil,
  load_gone = load == nil,
  dofile_gone = dofile == nil,
  setmeta_gone = setmetatable == nil,
  dump_gone = string.dump == nil,
  math_present = math ~= nil,
}
`)

	res := e.Execute(context.Background(), sub)
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %s (%s)", res.Status, res.ErrorDetail)
	}
	for key, want := range map[string]bool{
		"os_gone": true, "io_gone": true, "load_gone": true,
		"dofile_gone": true, "setmeta_gone": true,
		"dump_gone": true, "math_present": true,
	} {
		if res.Result[key] != want {
			t.Errorf("Result[%s] = %v, want %v", key, res.Result[key], want)
		}
	}
}

func TestRestrictedExecute_NoResultGlobal(t *testing.T) {
	e := NewRestrictedExecutor()
	sub := testSubmission(t, `local x = 1 + 1`)

	res := e.Execute(context.Background(), sub)
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %s (%s)", res.Status, res.ErrorDetail)
	}
	if len(res.Result) != 0 {
		t.Errorf("Result = %v, want empty mapping", res.Result)
	}
}

func TestRestrictedExecute_NestedResult(t *testing.T) {
	e := NewRestrictedExecutor()
	sub := testSubmission(t, `
result = {
  series = { 1, 2, 3 },
  meta = { title = "counts" },
}
`)

	res := e.Execute(context.Background(), sub)
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %s (%s)", res.Status, res.ErrorDetail)
	}

	series, ok := res.Result["series"].([]any)
	if !ok || len(series) != 3 {
		t.Fatalf("Result[series] = %v, want a 3-element array", res.Result["series"])
	}
	if series[2] != float64(3) {
		t.Errorf("series[2] = %v, want 3", series[2])
	}
	meta, ok := res.Result["meta"].(map[string]any)
	if !ok || meta["title"] != "counts" {
		t.Errorf("Result[meta] = %v, want nested mapping", res.Result["meta"])
	}
}

func TestRestrictedExecute_FreshStatePerRun(t *testing.T) {
	// Globals set by one submission must not be visible to the next.
	e := NewRestrictedExecutor()

	first := testSubmission(t, `leak = "secret"
result = {}`)
	if res := e.Execute(context.Background(), first); res.Status != StatusSuccess {
		t.Fatalf("first run: %s (%s)", res.Status, res.ErrorDetail)
	}

	second := testSubmission(t, `result = { leaked = leak ~= nil }`)
	res := e.Execute(context.Background(), second)
	if res.Status != StatusSuccess {
		t.Fatalf("second run: %s (%s)", res.Status, res.ErrorDetail)
	}
	if res.Result["leaked"] != false {
		t.Error("state leaked between executions")
	}
}

func TestRestrictedExecute_ArtifactPathExposed(t *testing.T) {
	e := NewRestrictedExecutor()
	sub := testSubmission(t, `result = { path = artifact_path }`)

	res := e.Execute(context.Background(), sub)
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %s (%s)", res.Status, res.ErrorDetail)
	}
	if res.Result["path"] != sub.ArtifactPath {
		t.Errorf("Result[path] = %v, want %q", res.Result["path"], sub.ArtifactPath)
	}
}

func TestRestrictedExecute_RequireAllowListed(t *testing.T) {
	e := NewRestrictedExecutor()
	sub := testSubmission(t, `
local m = require("math")
local s = require("string")
result = { root = m.sqrt(9), upper = s.upper("ok") }
`)

	res := e.Execute(context.Background(), sub)
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %s (%s), want success", res.Status, res.ErrorDetail)
	}
	if res.Result["root"] != float64(3) || res.Result["upper"] != "OK" {
		t.Errorf("Result = %v", res.Result)
	}
}

func TestRestrictedExecute_RequireUnknownModule(t *testing.T) {
	e := NewRestrictedExecutor()
	sub := testSubmission(t, `local s = require("socket")`)

	res := e.Execute(context.Background(), sub)
	if res.Status != StatusRuntimeError {
		t.Fatalf("Status = %s, want runtime_error", res.Status)
	}
	if !strings.Contains(res.ErrorDetail, "not available") {
		t.Errorf("ErrorDetail = %q", res.ErrorDetail)
	}
}

func TestRestrictedExecute_NoArtifactOnFault(t *testing.T) {
	e := NewRestrictedExecutor()
	sub := testSubmission(t, `
save_artifact("partial render")
error("midway failure")
`)

	res := e.Execute(context.Background(), sub)
	if res.Status != StatusRuntimeError {
		t.Fatalf("Status = %s, want runtime_error", res.Status)
	}
	if _, err := os.Stat(sub.ArtifactPath); !os.IsNotExist(err) {
		t.Error("artifact exists at destination after a failed run")
	}
}

func TestRestrictedExecute_MemoryBreach(t *testing.T) {
	e := NewRestrictedExecutor()
	sub := testSubmission(t, `
local t = {}
local i = 0
while true do
  i = i + 1
  t[i] = string.rep("x", 16384)
end
`)
	sub.MemoryBytes = 64 << 20

	res := e.Execute(context.Background(), sub)
	if res.Status != StatusResourceExceeded {
		t.Fatalf("Status = %s (%s), want resource_exceeded", res.Status, res.ErrorDetail)
	}
	if res.Resource != ResourceMemory {
		t.Errorf("Resource = %s, want memory", res.Resource)
	}
	if _, err := os.Stat(sub.ArtifactPath); !os.IsNotExist(err) {
		t.Error("artifact exists at destination after a breached run")
	}
}
