package script

import (
	"strings"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// CalledPrimitives lists the catalog primitives a source references by name,
// in first-appearance order. It is a best-effort static scan used by the
// scheduler's permission pre-check; aliased or computed calls are caught at
// runtime by the guard instead.
func CalledPrimitives(source string) []string {
	chunk, err := parse.Parse(strings.NewReader(source), "script")
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var order []string
	note := func(name string) {
		if _, ok := Lookup(name); ok && !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	var walkExpr func(ex ast.Expr)
	var walkStmts func(stmts []ast.Stmt)

	walkExpr = func(ex ast.Expr) {
		switch e := ex.(type) {
		case *ast.IdentExpr:
			note(e.Value)
		case *ast.AttrGetExpr:
			if obj, ok := e.Object.(*ast.IdentExpr); ok {
				if key, ok := e.Key.(*ast.StringExpr); ok {
					note(obj.Value + "." + key.Value)
				}
			}
			walkExpr(e.Object)
			walkExpr(e.Key)
		case *ast.FuncCallExpr:
			if e.Func != nil {
				walkExpr(e.Func)
			}
			if e.Receiver != nil {
				walkExpr(e.Receiver)
			}
			for _, arg := range e.Args {
				walkExpr(arg)
			}
		case *ast.TableExpr:
			for _, f := range e.Fields {
				if f.Key != nil {
					walkExpr(f.Key)
				}
				walkExpr(f.Value)
			}
		case *ast.FunctionExpr:
			walkStmts(e.Stmts)
		case *ast.LogicalOpExpr:
			walkExpr(e.Lhs)
			walkExpr(e.Rhs)
		case *ast.RelationalOpExpr:
			walkExpr(e.Lhs)
			walkExpr(e.Rhs)
		case *ast.StringConcatOpExpr:
			walkExpr(e.Lhs)
			walkExpr(e.Rhs)
		case *ast.ArithmeticOpExpr:
			walkExpr(e.Lhs)
			walkExpr(e.Rhs)
		case *ast.UnaryMinusOpExpr:
			walkExpr(e.Expr)
		case *ast.UnaryNotOpExpr:
			walkExpr(e.Expr)
		case *ast.UnaryLenOpExpr:
			walkExpr(e.Expr)
		}
	}
	walkStmts = func(stmts []ast.Stmt) {
		for _, st := range stmts {
			switch s := st.(type) {
			case *ast.AssignStmt:
				for _, ex := range s.Lhs {
					walkExpr(ex)
				}
				for _, ex := range s.Rhs {
					walkExpr(ex)
				}
			case *ast.LocalAssignStmt:
				for _, ex := range s.Exprs {
					walkExpr(ex)
				}
			case *ast.FuncCallStmt:
				walkExpr(s.Expr)
			case *ast.DoBlockStmt:
				walkStmts(s.Stmts)
			case *ast.WhileStmt:
				walkExpr(s.Condition)
				walkStmts(s.Stmts)
			case *ast.RepeatStmt:
				walkStmts(s.Stmts)
				walkExpr(s.Condition)
			case *ast.IfStmt:
				walkExpr(s.Condition)
				walkStmts(s.Then)
				walkStmts(s.Else)
			case *ast.NumberForStmt:
				walkExpr(s.Init)
				walkExpr(s.Limit)
				if s.Step != nil {
					walkExpr(s.Step)
				}
				walkStmts(s.Stmts)
			case *ast.GenericForStmt:
				for _, ex := range s.Exprs {
					walkExpr(ex)
				}
				walkStmts(s.Stmts)
			case *ast.FuncDefStmt:
				walkStmts(s.Func.Stmts)
			case *ast.ReturnStmt:
				for _, ex := range s.Exprs {
					walkExpr(ex)
				}
			}
		}
	}
	walkStmts(chunk)
	return order
}
