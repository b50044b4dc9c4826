package validate

import (
	"github.com/yuin/gopher-lua/ast"
)

// walkStmts is the structural pass: it inspects import statements
// (require calls), call expressions and attribute accesses across the
// whole tree and reports every offending symbol it finds.
func (v *Validator) walkStmts(stmts []ast.Stmt) []Violation {
	var out []Violation
	for _, st := range stmts {
		out = append(out, v.walkStmt(st)...)
	}
	return out
}

func (v *Validator) walkStmt(st ast.Stmt) []Violation {
	var out []Violation
	switch s := st.(type) {
	case *ast.AssignStmt:
		out = append(out, v.walkExprs(s.Lhs)...)
		out = append(out, v.walkExprs(s.Rhs)...)
	case *ast.LocalAssignStmt:
		out = append(out, v.walkExprs(s.Exprs)...)
	case *ast.FuncCallStmt:
		out = append(out, v.walkExpr(s.Expr)...)
	case *ast.DoBlockStmt:
		out = append(out, v.walkStmts(s.Stmts)...)
	case *ast.WhileStmt:
		out = append(out, v.walkExpr(s.Condition)...)
		out = append(out, v.walkStmts(s.Stmts)...)
	case *ast.RepeatStmt:
		out = append(out, v.walkExpr(s.Condition)...)
		out = append(out, v.walkStmts(s.Stmts)...)
	case *ast.IfStmt:
		out = append(out, v.walkExpr(s.Condition)...)
		out = append(out, v.walkStmts(s.Then)...)
		out = append(out, v.walkStmts(s.Else)...)
	case *ast.NumberForStmt:
		out = append(out, v.walkExpr(s.Init)...)
		out = append(out, v.walkExpr(s.Limit)...)
		if s.Step != nil {
			out = append(out, v.walkExpr(s.Step)...)
		}
		out = append(out, v.walkStmts(s.Stmts)...)
	case *ast.GenericForStmt:
		out = append(out, v.walkExprs(s.Exprs)...)
		out = append(out, v.walkStmts(s.Stmts)...)
	case *ast.FuncDefStmt:
		out = append(out, v.walkExpr(s.Func)...)
	case *ast.ReturnStmt:
		out = append(out, v.walkExprs(s.Exprs)...)
	}
	return out
}

func (v *Validator) walkExprs(exprs []ast.Expr) []Violation {
	var out []Violation
	for _, e := range exprs {
		out = append(out, v.walkExpr(e)...)
	}
	return out
}

func (v *Validator) walkExpr(e ast.Expr) []Violation {
	if e == nil {
		return nil
	}
	var out []Violation
	switch ex := e.(type) {
	case *ast.IdentExpr:
		// A bare reference to a denied callable is as dangerous as a
		// call: it can be stashed and invoked later.
		if v.deniedCalls[ex.Value] {
			out = append(out, Violation{CategoryCall, ex.Value, ex.Line()})
		}
		if v.deniedGlobals[ex.Value] {
			out = append(out, Violation{CategoryAttribute, ex.Value, ex.Line()})
		}
	case *ast.AttrGetExpr:
		out = append(out, v.checkAttrGet(ex)...)
	case *ast.FuncCallExpr:
		out = append(out, v.checkCall(ex)...)
	case *ast.FunctionExpr:
		out = append(out, v.walkStmts(ex.Stmts)...)
	case *ast.TableExpr:
		for _, f := range ex.Fields {
			if f.Key != nil {
				out = append(out, v.walkExpr(f.Key)...)
			}
			out = append(out, v.walkExpr(f.Value)...)
		}
	case *ast.LogicalOpExpr:
		out = append(out, v.walkExpr(ex.Lhs)...)
		out = append(out, v.walkExpr(ex.Rhs)...)
	case *ast.RelationalOpExpr:
		out = append(out, v.walkExpr(ex.Lhs)...)
		out = append(out, v.walkExpr(ex.Rhs)...)
	case *ast.ArithmeticOpExpr:
		out = append(out, v.walkExpr(ex.Lhs)...)
		out = append(out, v.walkExpr(ex.Rhs)...)
	case *ast.StringConcatOpExpr:
		out = append(out, v.walkExpr(ex.Lhs)...)
		out = append(out, v.walkExpr(ex.Rhs)...)
	case *ast.UnaryMinusOpExpr:
		out = append(out, v.walkExpr(ex.Expr)...)
	case *ast.UnaryNotOpExpr:
		out = append(out, v.walkExpr(ex.Expr)...)
	case *ast.UnaryLenOpExpr:
		out = append(out, v.walkExpr(ex.Expr)...)
	}
	return out
}

// checkAttrGet flags accesses like os.execute or io.open. The object
// name check is deliberately coarse: shadowing a denied global with a
// local of the same name still trips it, which errs on rejection.
func (v *Validator) checkAttrGet(ex *ast.AttrGetExpr) []Violation {
	var out []Violation
	if obj, ok := ex.Object.(*ast.IdentExpr); ok && v.deniedGlobals[obj.Value] {
		symbol := obj.Value
		if key, ok := ex.Key.(*ast.StringExpr); ok {
			symbol = obj.Value + "." + key.Value
		}
		out = append(out, Violation{CategoryAttribute, symbol, ex.Line()})
	}
	out = append(out, v.walkExpr(ex.Object)...)
	out = append(out, v.walkExpr(ex.Key)...)
	return out
}

// checkCall handles call expressions. require is treated as the import
// statement of the language: its module argument must be on the
// allow-list, and an unlisted module is rejected even when no deny
// rule names it.
func (v *Validator) checkCall(ex *ast.FuncCallExpr) []Violation {
	var out []Violation

	if fn, ok := ex.Func.(*ast.IdentExpr); ok {
		switch {
		case fn.Value == "require":
			out = append(out, v.checkRequire(ex)...)
		case v.deniedCalls[fn.Value]:
			out = append(out, Violation{CategoryCall, fn.Value, ex.Line()})
		}
	}
	if ex.Func != nil {
		if _, isIdent := ex.Func.(*ast.IdentExpr); !isIdent {
			out = append(out, v.walkExpr(ex.Func)...)
		}
	}
	out = append(out, v.walkExpr(ex.Receiver)...)
	out = append(out, v.walkExprs(ex.Args)...)
	return out
}

func (v *Validator) checkRequire(ex *ast.FuncCallExpr) []Violation {
	if len(ex.Args) == 1 {
		if mod, ok := ex.Args[0].(*ast.StringExpr); ok {
			if !v.allowedModules[mod.Value] {
				return []Violation{{CategoryImport, mod.Value, ex.Line()}}
			}
			return nil
		}
	}
	// Dynamically computed module names cannot be vetted statically.
	return []Violation{{CategoryImport, "require(<dynamic>)", ex.Line()}}
}
