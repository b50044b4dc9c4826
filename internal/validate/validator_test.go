package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func mustValidator(t *testing.T, p *Policy) *Validator {
	t.Helper()
	v, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func hasViolation(r Report, cat Category, symbol string) bool {
	for _, v := range r.Violations {
		if v.Category == cat && v.Symbol == symbol {
			return true
		}
	}
	return false
}

func TestValidate_SafeScripts(t *testing.T) {
	v := mustValidator(t, nil)

	scripts := []struct {
		name string
		code string
	}{
		{"arithmetic", "local x = 2 + 2\nresult = { answer = x }"},
		{"math module", "local r = math.sqrt(144)\nresult = { root = r }"},
		{"allowed require", `local m = require("math")` + "\nresult = { pi = m.pi }"},
		{"string ops", `result = { s = string.rep("ab", 3) }`},
		{"table ops", "local t = {3,1,2}\ntable.sort(t)\nresult = { first = t[1] }"},
		{"loop", "local sum = 0\nfor i = 1, 10 do sum = sum + i end\nresult = { sum = sum }"},
		{"function def", "local function f(n) return n * 2 end\nresult = { v = f(21) }"},
		{"print", `print("hello")` + "\nresult = {}"},
	}

	for _, tt := range scripts {
		t.Run(tt.name, func(t *testing.T) {
			r := v.Validate(tt.code)
			if !r.Safe {
				t.Errorf("expected safe, got violations: %v", r.Violations)
			}
		})
	}
}

func TestValidate_DeniedGlobalAccess(t *testing.T) {
	v := mustValidator(t, nil)

	r := v.Validate(`os.execute("rm -rf /")`)
	if r.Safe {
		t.Fatal("expected rejection")
	}
	if !hasViolation(r, CategoryAttribute, "os.execute") {
		t.Errorf("missing attribute violation for os.execute: %v", r.Violations)
	}
	// The textual pass flags the same line independently.
	if !hasViolation(r, CategoryPattern, "os_access") {
		t.Errorf("missing os_access pattern violation: %v", r.Violations)
	}
}

func TestValidate_DeniedImport(t *testing.T) {
	v := mustValidator(t, nil)

	r := v.Validate(`local io = require("io")`)
	if r.Safe {
		t.Fatal("expected rejection")
	}
	if !hasViolation(r, CategoryImport, "io") {
		t.Errorf("missing import violation: %v", r.Violations)
	}
}

func TestValidate_UnlistedModuleRejected(t *testing.T) {
	// The allow-list is authoritative: a module nobody denied is still
	// rejected when it is not allowed.
	v := mustValidator(t, nil)

	r := v.Validate(`local s = require("socket")`)
	if r.Safe {
		t.Fatal("expected rejection for unlisted module")
	}
	if !hasViolation(r, CategoryImport, "socket") {
		t.Errorf("missing import violation: %v", r.Violations)
	}

	// utf8 is not on the default allow list: only modules both
	// execution modes provide pass validation.
	if r := v.Validate(`local u = require("utf8")`); r.Safe {
		t.Error("utf8 import passed validation")
	}
}

func TestValidate_DynamicRequire(t *testing.T) {
	v := mustValidator(t, nil)

	r := v.Validate("local name = \"o\" .. \"s\"\nlocal m = require(name)")
	if r.Safe {
		t.Fatal("expected rejection")
	}
	if !hasViolation(r, CategoryImport, "require(<dynamic>)") {
		t.Errorf("missing dynamic require violation: %v", r.Violations)
	}
}

func TestValidate_DeniedCalls(t *testing.T) {
	v := mustValidator(t, nil)

	tests := []struct {
		code   string
		symbol string
	}{
		{`load("return 1")()`, "load"},
		{`loadstring("x = 1")`, "loadstring"},
		{`setmetatable({}, {})`, "setmetatable"},
		{`getmetatable("")`, "getmetatable"},
		{`rawset(t, "k", 1)`, "rawset"},
		{`collectgarbage("count")`, "collectgarbage"},
	}

	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			r := v.Validate(tt.code)
			if r.Safe {
				t.Fatal("expected rejection")
			}
			if !hasViolation(r, CategoryCall, tt.symbol) {
				t.Errorf("missing call violation for %s: %v", tt.symbol, r.Violations)
			}
		})
	}
}

func TestValidate_BareReferenceToDeniedCallable(t *testing.T) {
	// Stashing the function without calling it is just as dangerous.
	v := mustValidator(t, nil)

	r := v.Validate("local f = load\nresult = {}")
	if r.Safe {
		t.Fatal("expected rejection")
	}
	if !hasViolation(r, CategoryCall, "load") {
		t.Errorf("missing call violation for bare load reference: %v", r.Violations)
	}
}

func TestValidate_SyntaxError(t *testing.T) {
	v := mustValidator(t, nil)

	r := v.Validate("local x = ")
	if r.Safe {
		t.Fatal("expected rejection")
	}
	var found bool
	for _, viol := range r.Violations {
		if viol.Category == CategorySyntax {
			found = true
		}
	}
	if !found {
		t.Errorf("missing syntax violation: %v", r.Violations)
	}
}

func TestValidate_PatternsRunOnUnparsableSource(t *testing.T) {
	// Even when the parse fails, the textual pass still reports what it
	// can see.
	v := mustValidator(t, nil)

	r := v.Validate("local x = \nos.execute(")
	if r.Safe {
		t.Fatal("expected rejection")
	}
	if !hasViolation(r, CategoryPattern, "os_access") {
		t.Errorf("missing os_access pattern on unparsable source: %v", r.Violations)
	}
}

func TestValidate_PatternRules(t *testing.T) {
	v := mustValidator(t, nil)

	tests := []struct {
		name string
		code string
		rule string
	}{
		{"url in string", `local u = "http://attacker.example/exfil"`, "url_reference"},
		{"bytecode dump", `local b = string.dump(f)`, "bytecode_dump"},
		{"global env", "local g = _G", "global_env"},
		{"env upvalue", `local e = _ENV`, "global_env"},
		{"proc access", `local p = "/proc/self/environ"`, "proc_access"},
		{"metadata service", `local m = "169.254.169.254"`, "metadata_service"},
		{"device tcp", `local d = "/dev/tcp/10.0.0.1/80"`, "device_tcp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := v.Validate(tt.code)
			if r.Safe {
				t.Fatal("expected rejection")
			}
			if !hasViolation(r, CategoryPattern, tt.rule) {
				t.Errorf("missing %s pattern violation: %v", tt.rule, r.Violations)
			}
		})
	}
}

func TestValidate_CommentsAreNotExempt(t *testing.T) {
	// The textual pass is deliberately coarse: a dangerous reference in
	// a comment still rejects, erring toward refusal.
	v := mustValidator(t, nil)

	r := v.Validate("-- try os.execute later\nresult = {}")
	if r.Safe {
		t.Error("expected pattern pass to flag the comment")
	}
}

func TestValidate_ViolationLines(t *testing.T) {
	v := mustValidator(t, nil)

	r := v.Validate("local a = 1\nlocal b = 2\nos.remove(\"f\")")
	if r.Safe {
		t.Fatal("expected rejection")
	}
	for _, viol := range r.Violations {
		if viol.Symbol == "os.remove" && viol.Line != 3 {
			t.Errorf("os.remove flagged on line %d, want 3", viol.Line)
		}
	}
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	v := mustValidator(t, nil)

	code := "os.execute(\"x\")\nio.open(\"f\")\nload(\"y\")"
	r := v.Validate(code)
	if r.Safe {
		t.Fatal("expected rejection")
	}
	if len(r.Violations) < 3 {
		t.Errorf("got %d violations, want at least one per offending line: %v",
			len(r.Violations), r.Violations)
	}
}

func TestValidate_NeverExecutes(t *testing.T) {
	v := mustValidator(t, nil)

	sentinel := filepath.Join(t.TempDir(), "sentinel")
	code := fmt.Sprintf("local f = io.open(%q, \"w\")\nf:write(\"x\")\nf:close()", sentinel)

	r := v.Validate(code)
	if r.Safe {
		t.Fatal("io access passed validation")
	}
	if _, err := os.Stat(sentinel); !os.IsNotExist(err) {
		t.Fatal("validation produced a side effect")
	}
}

func TestValidate_Idempotent(t *testing.T) {
	v := mustValidator(t, nil)
	code := `os.execute("x")`

	first := v.Validate(code)
	second := v.Validate(code)
	if len(first.Violations) != len(second.Violations) {
		t.Errorf("validation not idempotent: %d vs %d violations",
			len(first.Violations), len(second.Violations))
	}
}
