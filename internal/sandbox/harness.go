package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Well-known paths of the isolation protocol. The harness inside the
// container writes result/error files under /out; the caller reads
// them back after teardown.
const (
	containerWorkspace = "/workspace"
	containerOut       = "/out"

	codeFileName     = "code.lua"
	harnessFileName  = "harness.lua"
	resultFileName   = "result.json"
	errorFileName    = "error.json"
	artifactFileName = "artifact"
)

// harnessScript wraps the submitted body inside the container: it loads
// the chunk under a reduced environment, serializes the result mapping
// to /out/result.json on success, structured error detail to
// /out/error.json on fault, and signals the overall outcome through
// its exit status.
const harnessScript = `-- execution harness
local OUT_RESULT = "/out/result.json"
local OUT_ERROR = "/out/error.json"
local OUT_ARTIFACT = "/out/artifact"

local function escape(s)
  s = s:gsub("\\", "\\\\"):gsub('"', '\\"'):gsub("\n", "\\n")
  s = s:gsub("\r", "\\r"):gsub("\t", "\\t")
  return s:gsub("%c", function(c) return string.format("\\u%04x", c:byte()) end)
end

local function encode(v, depth)
  depth = depth or 0
  if depth > 4 then return "null" end
  local t = type(v)
  if t == "number" then
    if v ~= v or v == math.huge or v == -math.huge then return "null" end
    return string.format("%.17g", v)
  elseif t == "string" then
    return '"' .. escape(v) .. '"'
  elseif t == "boolean" then
    return tostring(v)
  elseif t == "table" then
    if #v > 0 then
      local parts = {}
      for _, item in ipairs(v) do
        parts[#parts + 1] = encode(item, depth + 1)
      end
      return "[" .. table.concat(parts, ",") .. "]"
    end
    local parts = {}
    for k, item in pairs(v) do
      if type(k) == "string" then
        parts[#parts + 1] = '"' .. escape(k) .. '":' .. encode(item, depth + 1)
      end
    end
    return "{" .. table.concat(parts, ",") .. "}"
  end
  return "null"
end

local function emit(path, text)
  local f = assert(io.open(path, "w"))
  f:write(text)
  f:close()
end

local saved = false
local modules = { math = math, string = string, table = table }
local env = {
  math = math, string = string, table = table,
  pairs = pairs, ipairs = ipairs, next = next, select = select,
  tonumber = tonumber, tostring = tostring, type = type,
  pcall = pcall, xpcall = xpcall, error = error, assert = assert,
  print = print,
  artifact_path = OUT_ARTIFACT,
  save_artifact = function(content)
    emit(OUT_ARTIFACT, tostring(content))
    saved = true
  end,
  require = function(name)
    local m = modules[name]
    if m == nil then
      error("module '" .. tostring(name) .. "' is not available", 2)
    end
    return m
  end,
}

local chunk, load_err = loadfile("/workspace/code.lua", "t", env)
if not chunk then
  emit(OUT_ERROR, '{"message":"' .. escape(tostring(load_err)) .. '","traceback":""}')
  os.exit(1)
end

local fault
local ok = xpcall(chunk, function(e)
  fault = {
    message = tostring(e),
    traceback = debug.traceback(tostring(e), 2),
  }
end)
if not ok then
  emit(OUT_ERROR, encode(fault))
  os.exit(1)
end

local result = env.result
if type(result) ~= "table" then result = {} end
emit(OUT_RESULT, encode(result))

if not saved then
  local lines = { "result" }
  for k, v in pairs(result) do
    if type(k) == "string" then
      lines[#lines + 1] = k .. " = " .. tostring(v)
    end
  end
  emit(OUT_ARTIFACT, table.concat(lines, "\n") .. "\n")
end

os.exit(0)
`

// harnessFault is the structured error detail the harness serializes
// for a failed run.
type harnessFault struct {
	Message   string `json:"message"`
	Traceback string `json:"traceback"`
}

// writeWorkspace lays out the host-side directories for one isolated
// run: a read-only workspace holding the code and harness, and a
// writable scratch-output directory. The returned cleanup removes
// everything and runs regardless of outcome.
func writeWorkspace(execID, code string) (workDir, outDir string, cleanup func(), err error) {
	root, err := os.MkdirTemp("", "mathviz-"+execID+"-*")
	if err != nil {
		return "", "", nil, fmt.Errorf("creating sandbox dir: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(root) }

	workDir = filepath.Join(root, "workspace")
	outDir = filepath.Join(root, "out")
	if err := os.Mkdir(workDir, 0755); err != nil {
		cleanup()
		return "", "", nil, fmt.Errorf("creating workspace: %w", err)
	}
	// The container runs as uid 65534 and must write into /out.
	if err := os.Mkdir(outDir, 0777); err != nil { // #nosec G301 -- scratch mount for an unprivileged container
		cleanup()
		return "", "", nil, fmt.Errorf("creating out dir: %w", err)
	}

	for name, content := range map[string]string{
		codeFileName:    code,
		harnessFileName: harnessScript,
	} {
		path := filepath.Join(workDir, name)
		if err := os.WriteFile(path, []byte(content), 0444); err != nil { // #nosec G306 -- workspace mounts read only
			cleanup()
			return "", "", nil, fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return workDir, outDir, cleanup, nil
}

// readOutcome interprets the harness's well-known output files after
// the container exited with code zero. A reported-success exit with no
// result file present violates the output contract.
func readOutcome(outDir string, sub CodeSubmission) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(outDir, resultFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: result file missing", ErrContractViolation)
	}

	result := map[string]any{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: result file unreadable: %v", ErrContractViolation, err)
	}

	artifact, err := os.ReadFile(filepath.Join(outDir, artifactFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: artifact missing from scratch mount", ErrContractViolation)
	}
	if err := writeArtifact(sub.ArtifactPath, artifact); err != nil {
		return nil, fmt.Errorf("%w: copying artifact: %v", ErrInfrastructure, err)
	}
	return result, nil
}

// readFault loads the harness's structured error detail, if present.
func readFault(outDir string) (harnessFault, bool) {
	data, err := os.ReadFile(filepath.Join(outDir, errorFileName))
	if err != nil {
		return harnessFault{}, false
	}
	var f harnessFault
	if err := json.Unmarshal(data, &f); err != nil {
		return harnessFault{Message: string(data)}, true
	}
	return f, true
}
