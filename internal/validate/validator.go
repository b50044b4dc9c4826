// Package validate performs static analysis of submitted scripts before
// any execution. It never runs the code: a structural pass walks the
// parsed syntax tree while a textual pass scans the raw source, and the
// violations of both passes are unioned into one report.
package validate

import (
	"fmt"
	"strings"

	"github.com/yuin/gopher-lua/parse"
)

// Category classifies a violation.
type Category string

const (
	CategorySyntax    Category = "syntax"
	CategoryImport    Category = "import"
	CategoryCall      Category = "call"
	CategoryAttribute Category = "attribute"
	CategoryPattern   Category = "pattern"
)

// Violation is one reason a submission was rejected.
type Violation struct {
	Category Category `json:"category"`
	Symbol   string   `json:"symbol"`
	Line     int      `json:"line"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (line %d)", v.Category, v.Symbol, v.Line)
}

// Report is the static-analysis verdict. Safe is true only when no
// pass produced a violation.
type Report struct {
	Safe       bool        `json:"safe"`
	Violations []Violation `json:"violations"`
}

// Validator applies a Policy to submitted source text. It is safe for
// concurrent use; Validate is pure and idempotent.
type Validator struct {
	policy         *Policy
	allowedModules map[string]bool
	deniedCalls    map[string]bool
	deniedGlobals  map[string]bool
}

// New compiles the policy's pattern rules and builds lookup sets.
func New(policy *Policy) (*Validator, error) {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if err := policy.compile(); err != nil {
		return nil, err
	}

	v := &Validator{
		policy:         policy,
		allowedModules: make(map[string]bool, len(policy.AllowedModules)),
		deniedCalls:    make(map[string]bool, len(policy.DeniedCalls)),
		deniedGlobals:  make(map[string]bool, len(policy.DeniedGlobals)),
	}
	for _, m := range policy.AllowedModules {
		v.allowedModules[m] = true
	}
	for _, c := range policy.DeniedCalls {
		v.deniedCalls[c] = true
	}
	for _, g := range policy.DeniedGlobals {
		v.deniedGlobals[g] = true
	}
	return v, nil
}

// Policy returns the active policy.
func (v *Validator) Policy() *Policy {
	return v.policy
}

// Validate analyzes code and returns every violation found, not just
// the first. Unparsable source yields a syntax violation rather than
// an error; Validate itself never fails and never executes the code.
func (v *Validator) Validate(code string) Report {
	var violations []Violation

	chunk, err := parse.Parse(strings.NewReader(code), "submission")
	if err != nil {
		line := 0
		if perr, ok := err.(*parse.Error); ok {
			line = perr.Pos.Line
		}
		violations = append(violations, Violation{
			Category: CategorySyntax,
			Symbol:   firstLine(err.Error()),
			Line:     line,
		})
	} else {
		violations = append(violations, v.walkStmts(chunk)...)
	}

	// The textual pass runs regardless of parse outcome.
	violations = append(violations, v.scanPatterns(code)...)

	return Report{
		Safe:       len(violations) == 0,
		Violations: violations,
	}
}

// scanPatterns is the textual pass: every pattern rule is applied to
// every line so obfuscated references surface even when the structural
// pass sees nothing.
func (v *Validator) scanPatterns(code string) []Violation {
	var violations []Violation

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, rule := range v.policy.Patterns {
			if rule.re.MatchString(line) {
				violations = append(violations, Violation{
					Category: CategoryPattern,
					Symbol:   rule.Name,
					Line:     i + 1,
				})
			}
		}
	}
	return violations
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
