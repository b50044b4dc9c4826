package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
)

// baseDenied are base-library functions scrubbed from the restricted
// namespace after opening: dynamic code loading, introspection and
// metatable surgery have no place in generated scripts.
var baseDenied = []string{
	"dofile", "loadfile", "load", "loadstring",
	"collectgarbage", "getfenv", "setfenv",
	"getmetatable", "setmetatable",
	"rawget", "rawset", "rawequal", "rawlen",
	"module", "newproxy", "_printregs",
}

// preboundModules are the allow-listed libraries a restricted require
// may resolve. Anything else raises inside the script.
var preboundModules = map[string]bool{
	lua.TabLibName:    true,
	lua.StringLibName: true,
	lua.MathLibName:   true,
}

// RestrictedExecutor runs validated scripts in-process on a fresh
// interpreter state per call. Because the resource ceilings it applies
// are process-wide rlimits, executions are serialized: two concurrent
// calls could not each get independent ceilings.
type RestrictedExecutor struct {
	monitor *ResourceMonitor
	mu      sync.Mutex
}

// NewRestrictedExecutor creates the in-process backend.
func NewRestrictedExecutor() *RestrictedExecutor {
	return &RestrictedExecutor{monitor: NewResourceMonitor()}
}

// Execute runs the submission and always returns a structured result;
// faults from generated code are contained, never propagated as a
// crash.
func (e *RestrictedExecutor) Execute(ctx context.Context, sub CodeSubmission) *ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	execID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(sub.Code)))

	logger := log.With().
		Str("exec_id", execID).
		Str("mode", string(ModeRestricted)).
		Str("code_hash", codeHash[:16]).
		Logger()

	logger.Info().Msg("restricted execution starting")

	var output bytes.Buffer
	var resultMap map[string]any
	var artifactContent []byte

	limits := MonitorLimits{
		MemoryBytes: sub.MemoryBytes,
		CPUTime:     sub.Timeout,
		WallClock:   sub.Timeout,
	}

	usage, runErr := e.monitor.Run(ctx, limits, func(runCtx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: interpreter panic: %v", ErrRuntimeFault, r)
			}
		}()

		L := newRestrictedState(&output, sub.ArtifactPath, &artifactContent)
		defer L.Close()
		L.SetContext(runCtx)

		if doErr := L.DoString(sub.Code); doErr != nil {
			// A canceled context surfaces through the interpreter as
			// an error; the monitor maps the breach cause, so only
			// genuine script faults are classified here.
			if runCtx.Err() != nil {
				return doErr
			}
			return luaFault(doErr)
		}

		resultMap = extractResult(L)
		return nil
	})

	res := &ExecutionResult{
		ID:       execID,
		Output:   truncateOutput(output.String(), MaxOutputBytes),
		Usage:    usage,
		CodeHash: codeHash,
	}

	if runErr != nil {
		res.Status, res.Resource = statusForError(runErr)
		res.ErrorDetail = runErr.Error()
		logger.Warn().
			Str("status", string(res.Status)).
			Dur("wall_time", usage.WallTime).
			Msg("restricted execution failed")
		return res
	}

	if err := finalizeArtifact(sub.ArtifactPath, artifactContent, resultMap); err != nil {
		res.Status = StatusInfrastructureFault
		res.ErrorDetail = (&ExecutionError{ExecID: execID, Op: "write_artifact", Err: err}).Error()
		return res
	}
	if _, err := os.Stat(sub.ArtifactPath); err != nil {
		res.Status = StatusContractViolation
		res.ErrorDetail = fmt.Sprintf("%s: artifact missing at %s", ErrContractViolation, sub.ArtifactPath)
		return res
	}

	res.Status = StatusSuccess
	res.Result = resultMap
	res.ArtifactPath = sub.ArtifactPath

	logger.Info().
		Dur("wall_time", usage.WallTime).
		Dur("cpu_time", usage.CPUTime).
		Int64("peak_memory", usage.PeakMemory).
		Msg("restricted execution completed")
	return res
}

// newRestrictedState builds the minimal namespace: base (scrubbed),
// table, string and math libraries, a buffered print, the artifact
// path and a constrained artifact writer. A fresh state per execution
// guarantees no library state leaks between submissions.
func newRestrictedState(output *bytes.Buffer, artifactPath string, artifact *[]byte) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       256,
		RegistrySize:        1024 * 8,
		RegistryMaxSize:     1024 * 512,
		MinimizeStackMemory: true,
	})

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range baseDenied {
		L.SetGlobal(name, lua.LNil)
	}
	// Validated scripts may import allow-listed modules through the
	// sanctioned require form; it resolves to the pre-bound library
	// tables and nothing else.
	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if !preboundModules[name] {
			L.RaiseError("module %q is not available", name)
			return 0
		}
		L.Push(L.GetGlobal(name))
		return 1
	}))
	// string.dump serializes function bytecode; nothing benign needs it.
	if strTbl, ok := L.GetGlobal(lua.StringLibName).(*lua.LTable); ok {
		strTbl.RawSetString("dump", lua.LNil)
	}

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		if output.Len() < MaxOutputBytes {
			output.WriteString(strings.Join(parts, "\t"))
			output.WriteByte('\n')
		}
		return 0
	}))

	L.SetGlobal("artifact_path", lua.LString(artifactPath))
	// Content is buffered, not written: the artifact only reaches the
	// destination when the run ends in success, so a save followed by
	// a fault or timeout leaves nothing behind.
	L.SetGlobal("save_artifact", L.NewFunction(func(L *lua.LState) int {
		content := L.CheckString(1)
		*artifact = []byte(content)
		return 0
	}))

	return L
}

// extractResult reads the conventional "result" global. Generated code
// is expected to populate it with a mapping of computed values; a
// missing or non-table binding defaults to an empty mapping.
func extractResult(L *lua.LState) map[string]any {
	tbl, ok := L.GetGlobal("result").(*lua.LTable)
	if !ok {
		return map[string]any{}
	}
	v := luaToGo(tbl, 0)
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// maxResultDepth bounds nesting so the mapping stays JSON-like and
// cyclic tables cannot recurse forever.
const maxResultDepth = 4

func luaToGo(v lua.LValue, depth int) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if depth >= maxResultDepth {
			return nil
		}
		length := val.Len()
		if length > 0 {
			arr := make([]any, 0, length)
			for i := 1; i <= length; i++ {
				if g := luaToGo(val.RawGetInt(i), depth+1); g != nil {
					arr = append(arr, g)
				}
			}
			return arr
		}
		m := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			key, ok := k.(lua.LString)
			if !ok {
				log.Debug().Str("key_type", k.Type().String()).Msg("dropping non-string result key")
				return
			}
			if g := luaToGo(item, depth+1); g != nil {
				m[string(key)] = g
			}
		})
		return m
	default:
		return nil
	}
}

// luaFault converts an interpreter error into the runtime-fault
// taxonomy, preserving the script's message and stack trace for
// controlled diagnostic display.
func luaFault(err error) error {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		msg := apiErr.Object.String()
		if apiErr.StackTrace != "" {
			msg += "\n" + apiErr.StackTrace
		}
		return fmt.Errorf("%w: %s", ErrRuntimeFault, msg)
	}
	return fmt.Errorf("%w: %s", ErrRuntimeFault, err.Error())
}

func writeArtifact(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0644)
}

// finalizeArtifact guarantees the success invariant: an artifact exists
// at the destination exactly when the run succeeded. Buffered
// save_artifact content is materialized here; scripts that compute
// values without rendering anything get a textual artifact of their
// result mapping.
func finalizeArtifact(path string, saved []byte, result map[string]any) error {
	if saved == nil {
		saved = defaultArtifact(result)
	}
	return writeArtifact(path, saved)
}

func defaultArtifact(result map[string]any) []byte {
	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b bytes.Buffer
	b.WriteString("result\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %v\n", k, result[k])
	}
	return b.Bytes()
}
