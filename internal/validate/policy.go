package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Policy is the configurable safe/unsafe symbol set the validator
// enforces. The allow-list is authoritative: a module absent from it is
// rejected even when no deny rule names it.
type Policy struct {
	AllowedModules []string      `yaml:"allowed_modules"`
	DeniedCalls    []string      `yaml:"denied_calls"`
	DeniedGlobals  []string      `yaml:"denied_globals"`
	Patterns       []PatternRule `yaml:"patterns"`
}

// PatternRule is one textual scan rule. The scan runs independently of
// the structural pass and catches obfuscated references an AST walk
// alone would miss.
type PatternRule struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`

	re *regexp.Regexp
}

// DefaultPolicy returns the compiled-in symbol set: benign numeric,
// string and table facilities are allowed; dynamic code loading,
// introspection, process, file and network reachers are denied. The
// allow list names only modules both execution modes provide, so a
// validated-safe script behaves the same restricted and isolated.
func DefaultPolicy() *Policy {
	return &Policy{
		AllowedModules: []string{
			"math", "string", "table",
		},
		DeniedCalls: []string{
			"load", "loadstring", "loadfile", "dofile",
			"collectgarbage", "module", "newproxy",
			"getmetatable", "setmetatable",
			"rawget", "rawset", "rawequal", "rawlen",
			"getfenv", "setfenv",
		},
		DeniedGlobals: []string{
			"os", "io", "debug", "package", "coroutine", "_G", "arg",
		},
		Patterns: []PatternRule{
			{Name: "dynamic_load", Expr: `\bload(?:string|file)?\s*[("']`},
			{Name: "dofile", Expr: `\bdofile\b`},
			{Name: "os_access", Expr: `\bos\s*\.\s*\w+`},
			{Name: "io_access", Expr: `\bio\s*\.\s*\w+`},
			{Name: "debug_introspection", Expr: `\bdebug\s*\.\s*\w+`},
			{Name: "package_loader", Expr: `\bpackage\s*\.\s*\w+`},
			{Name: "global_env", Expr: `\b_G\b|\b_ENV\b`},
			{Name: "bytecode_dump", Expr: `\bstring\s*\.\s*dump\b`},
			{Name: "url_reference", Expr: `(?i)(https?|ftp|file)://`},
			{Name: "device_tcp", Expr: `/dev/tcp/`},
			{Name: "proc_access", Expr: `/proc/self`},
			{Name: "metadata_service", Expr: `169\.254\.169\.254`},
		},
	}
}

// LoadPolicy reads a policy file, merging nothing: the file replaces
// the default symbol set entirely so operators see exactly what they
// configured.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	if len(p.AllowedModules) == 0 {
		return nil, fmt.Errorf("policy has no allowed_modules: everything would be rejected")
	}
	return &p, nil
}

func (p *Policy) compile() error {
	for i := range p.Patterns {
		re, err := regexp.Compile(p.Patterns[i].Expr)
		if err != nil {
			return fmt.Errorf("pattern %q: %w", p.Patterns[i].Name, err)
		}
		p.Patterns[i].re = re
	}
	return nil
}

// Report summarizes the active policy for diagnostics.
func (p *Policy) Report() map[string]any {
	names := make([]string, 0, len(p.Patterns))
	for _, r := range p.Patterns {
		names = append(names, r.Name)
	}
	return map[string]any{
		"allowed_modules": p.AllowedModules,
		"denied_calls":    p.DeniedCalls,
		"denied_globals":  p.DeniedGlobals,
		"pattern_rules":   names,
	}
}
