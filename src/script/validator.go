package script

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// ValidatorConfig bounds the static analysis and the programs it accepts.
type ValidatorConfig struct {
	MaxSourceBytes    int
	MaxNestingDepth   int
	MaxLoopIterations int
}

func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxSourceBytes:    64 * 1024,
		MaxNestingDepth:   16,
		MaxLoopIterations: 1_000_000,
	}
}

// forbidden maps capability-granting symbols to the suggestion offered in
// the diagnostic. Any reference anywhere in the source is blocking.
var forbidden = map[string]string{
	"io":             "use put/get/scan storage primitives instead of file I/O",
	"os":             "use now() for time; process and environment access are not available",
	"require":        "modules cannot be loaded; use install_package to record one",
	"dofile":         "loading code from files is not available",
	"loadfile":       "loading code from files is not available",
	"load":           "loading code from strings is not available",
	"loadstring":     "loading code from strings is not available",
	"package":        "the module system is not available; use install_package",
	"debug":          "interpreter introspection is not available",
	"getfenv":        "environment manipulation is not available",
	"setfenv":        "environment manipulation is not available",
	"collectgarbage": "garbage collection is managed by the host",
	"newproxy":       "userdata creation is not available",
	"module":         "the module system is not available",
	"coroutine":      "coroutines are not available inside scripts",
}

// deprecated maps still-working symbols to their preferred replacement.
// References produce an advisory warning only.
var deprecated = map[string]string{
	"unpack": "use table.unpack",
}

// baseGlobals are the safe interpreter built-ins the sandbox leaves open.
var baseGlobals = map[string]bool{
	"print": true, "type": true, "tostring": true, "tonumber": true,
	"pairs": true, "ipairs": true, "next": true, "select": true,
	"error": true, "assert": true, "pcall": true, "xpcall": true,
	"unpack": true, "rawget": true, "rawset": true, "rawequal": true,
	"rawlen": true, "setmetatable": true, "getmetatable": true,
	"string": true, "table": true, "math": true, "json": true,
	"_G": true,
}

// Validator performs the pre-execution static pass. It never fails: every
// source, however broken, yields a report.
type Validator struct {
	cfg     ValidatorConfig
	globals map[string]bool
}

// NewValidator derives the known-global set from the primitive catalog so
// the validator and the bridge can never disagree about what is callable.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = DefaultValidatorConfig().MaxSourceBytes
	}
	if cfg.MaxNestingDepth <= 0 {
		cfg.MaxNestingDepth = DefaultValidatorConfig().MaxNestingDepth
	}
	if cfg.MaxLoopIterations <= 0 {
		cfg.MaxLoopIterations = DefaultValidatorConfig().MaxLoopIterations
	}
	globals := make(map[string]bool, len(Catalog)+len(baseGlobals))
	for name := range baseGlobals {
		globals[name] = true
	}
	for _, p := range Catalog {
		if dot := strings.IndexByte(p.Name, '.'); dot >= 0 {
			globals[p.Name[:dot]] = true
			continue
		}
		globals[p.Name] = true
	}
	return &Validator{cfg: cfg, globals: globals}
}

// Validate runs every check against the source and returns the full report.
func (v *Validator) Validate(source string) ValidationResult {
	res := ValidationResult{
		Valid:              true,
		Errors:             []ValidationError{},
		Warnings:           []ValidationWarning{},
		AvailableFunctions: AvailableFunctions(),
	}
	lines := strings.Split(source, "\n")

	if len(source) > v.cfg.MaxSourceBytes {
		res.Errors = append(res.Errors, ValidationError{
			Kind:       ComplexityExceeded,
			Message:    fmt.Sprintf("source is %d bytes, limit is %d", len(source), v.cfg.MaxSourceBytes),
			Suggestion: "split the program into several smaller executions",
		})
		res.Valid = false
		return res
	}

	chunk, err := parse.Parse(strings.NewReader(source), "script")
	if err != nil {
		res.Errors = append(res.Errors, syntaxError(err, lines))
		res.Valid = false
		return res
	}

	a := &analyzer{
		cfg:     v.cfg,
		lines:   lines,
		globals: v.globals,
	}
	a.collectAssignedGlobals(chunk)
	root := newScope(nil)
	a.walkStmts(chunk, root, 0)
	a.reportUnused(root)

	if !hasTopLevelReturn(chunk) {
		a.warns = append(a.warns, ValidationWarning{
			Kind:       MissingReturn,
			Message:    "script has no top-level return; the result will be empty",
			Suggestion: "end the script with `return <value>`",
		})
	}

	res.Errors = append(res.Errors, a.errs...)
	res.Warnings = append(res.Warnings, a.warns...)
	res.Valid = len(res.Errors) == 0
	return res
}

func syntaxError(err error, lines []string) ValidationError {
	ve := ValidationError{
		Kind:       SyntaxError,
		Message:    err.Error(),
		Suggestion: "fix the syntax error and resubmit",
	}
	if pe, ok := err.(*parse.Error); ok {
		ve.Line = pe.Pos.Line
		ve.Column = pe.Pos.Column
		ve.Message = strings.TrimSpace(pe.Error())
		ve.Snippet = snippet(lines, pe.Pos.Line)
	}
	return ve
}

func snippet(lines []string, line int) string {
	if line < 1 || line > len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[line-1])
}

// valKind is the coarse static type lattice used by the mismatch check.
type valKind int

const (
	kindUnknown valKind = iota
	kindNil
	kindBool
	kindNumber
	kindString
	kindTable
	kindFunction
)

func (k valKind) String() string {
	switch k {
	case kindNil:
		return "nil"
	case kindBool:
		return "boolean"
	case kindNumber:
		return "number"
	case kindString:
		return "string"
	case kindTable:
		return "table"
	case kindFunction:
		return "function"
	}
	return "unknown"
}

type varInfo struct {
	kind valKind
	line int
	used bool
}

type scope struct {
	parent *scope
	vars   map[string]*varInfo
	// children are kept so unused-variable reporting can run after the walk.
	children []*scope
}

func newScope(parent *scope) *scope {
	s := &scope{parent: parent, vars: make(map[string]*varInfo)}
	if parent != nil {
		parent.children = append(parent.children, s)
	}
	return s
}

func (s *scope) declare(name string, kind valKind, line int) {
	s.vars[name] = &varInfo{kind: kind, line: line}
}

func (s *scope) resolve(name string) *varInfo {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.vars[name]; ok {
			return v
		}
	}
	return nil
}

type analyzer struct {
	cfg      ValidatorConfig
	lines    []string
	globals  map[string]bool
	assigned map[string]bool
	errs     []ValidationError
	warns    []ValidationWarning
	depthHit bool
}

// collectAssignedGlobals pre-scans the chunk for globals the script itself
// creates, so later references to them are not reported as undefined.
func (a *analyzer) collectAssignedGlobals(stmts []ast.Stmt) {
	a.assigned = make(map[string]bool)
	var visit func(stmts []ast.Stmt)
	visit = func(stmts []ast.Stmt) {
		for _, st := range stmts {
			switch s := st.(type) {
			case *ast.AssignStmt:
				for _, lhs := range s.Lhs {
					if ident, ok := lhs.(*ast.IdentExpr); ok {
						a.assigned[ident.Value] = true
					}
				}
			case *ast.FuncDefStmt:
				if ident, ok := s.Name.Func.(*ast.IdentExpr); ok && s.Name.Receiver == nil {
					a.assigned[ident.Value] = true
				}
				visit(s.Func.Stmts)
			case *ast.DoBlockStmt:
				visit(s.Stmts)
			case *ast.WhileStmt:
				visit(s.Stmts)
			case *ast.RepeatStmt:
				visit(s.Stmts)
			case *ast.IfStmt:
				visit(s.Then)
				visit(s.Else)
			case *ast.NumberForStmt:
				visit(s.Stmts)
			case *ast.GenericForStmt:
				visit(s.Stmts)
			case *ast.FuncCallStmt:
				// calls cannot assign
			}
		}
	}
	visit(stmts)
}

func (a *analyzer) walkStmts(stmts []ast.Stmt, sc *scope, depth int) {
	if depth > a.cfg.MaxNestingDepth {
		if !a.depthHit {
			a.depthHit = true
			line := 0
			if len(stmts) > 0 {
				line = stmts[0].Line()
			}
			a.errorf(ComplexityExceeded, line,
				"flatten the control flow or split the program",
				"nesting depth exceeds %d", a.cfg.MaxNestingDepth)
		}
		return
	}
	for _, st := range stmts {
		a.walkStmt(st, sc, depth)
	}
}

func (a *analyzer) walkStmt(st ast.Stmt, sc *scope, depth int) {
	switch s := st.(type) {
	case *ast.LocalAssignStmt:
		// `local function f` arrives as a one-name assignment of a function
		// expression; the name must be visible inside the body for recursion.
		if len(s.Names) == 1 && len(s.Exprs) == 1 {
			if fn, ok := s.Exprs[0].(*ast.FunctionExpr); ok {
				sc.declare(s.Names[0], kindFunction, s.Line())
				a.walkFunction(fn, sc, depth, false)
				return
			}
		}
		kinds := make([]valKind, len(s.Names))
		for i := range s.Names {
			kinds[i] = kindNil
		}
		for i, ex := range s.Exprs {
			k := a.walkExpr(ex, sc)
			if i < len(kinds) {
				kinds[i] = k
			}
		}
		if len(s.Exprs) > 0 && len(s.Exprs) < len(s.Names) {
			// Trailing names take whatever the last call expands to.
			for i := len(s.Exprs); i < len(kinds); i++ {
				kinds[i] = kindUnknown
			}
		}
		for i, name := range s.Names {
			sc.declare(name, kinds[i], s.Line())
		}
	case *ast.AssignStmt:
		for _, ex := range s.Rhs {
			a.walkExpr(ex, sc)
		}
		for i, lhs := range s.Lhs {
			if ident, ok := lhs.(*ast.IdentExpr); ok {
				if v := sc.resolve(ident.Value); v != nil {
					v.used = true
					v.kind = kindUnknown
					if i < len(s.Rhs) {
						v.kind = a.staticKind(s.Rhs[i], sc)
					}
				}
				// Assigning a forbidden name would shadow the deny-list.
				if why, bad := forbidden[ident.Value]; bad {
					a.errorf(ForbiddenFunction, ident.Line(), why,
						"assignment to forbidden symbol %q", ident.Value)
				}
				continue
			}
			a.walkExpr(lhs, sc)
		}
	case *ast.FuncCallStmt:
		a.walkExpr(s.Expr, sc)
	case *ast.DoBlockStmt:
		a.walkStmts(s.Stmts, newScope(sc), depth+1)
	case *ast.WhileStmt:
		a.walkExpr(s.Condition, sc)
		a.walkStmts(s.Stmts, newScope(sc), depth+1)
	case *ast.RepeatStmt:
		inner := newScope(sc)
		a.walkStmts(s.Stmts, inner, depth+1)
		a.walkExpr(s.Condition, inner)
	case *ast.IfStmt:
		a.walkExpr(s.Condition, sc)
		a.walkStmts(s.Then, newScope(sc), depth+1)
		a.walkStmts(s.Else, newScope(sc), depth+1)
	case *ast.NumberForStmt:
		a.checkLoopBound(s)
		a.walkExpr(s.Init, sc)
		a.walkExpr(s.Limit, sc)
		if s.Step != nil {
			a.walkExpr(s.Step, sc)
		}
		inner := newScope(sc)
		inner.declare(s.Name, kindNumber, s.Line())
		a.walkStmts(s.Stmts, inner, depth+1)
	case *ast.GenericForStmt:
		for _, ex := range s.Exprs {
			a.walkExpr(ex, sc)
		}
		inner := newScope(sc)
		for _, name := range s.Names {
			inner.declare(name, kindUnknown, s.Line())
		}
		a.walkStmts(s.Stmts, inner, depth+1)
	case *ast.FuncDefStmt:
		if s.Name.Func != nil {
			if ident, ok := s.Name.Func.(*ast.IdentExpr); ok {
				if v := sc.resolve(ident.Value); v != nil {
					v.used = true
					v.kind = kindFunction
				}
			} else {
				a.walkExpr(s.Name.Func, sc)
			}
		}
		a.walkFunction(s.Func, sc, depth, s.Name.Receiver != nil)
	case *ast.ReturnStmt:
		for _, ex := range s.Exprs {
			a.walkExpr(ex, sc)
		}
	case *ast.BreakStmt, *ast.LabelStmt, *ast.GotoStmt:
	}
}

func (a *analyzer) walkFunction(fn *ast.FunctionExpr, sc *scope, depth int, method bool) {
	inner := newScope(sc)
	if method {
		inner.declare("self", kindUnknown, fn.Line())
		// Receivers are host-side values; self always counts as used.
		inner.vars["self"].used = true
	}
	if fn.ParList != nil {
		for _, name := range fn.ParList.Names {
			inner.declare(name, kindUnknown, fn.Line())
		}
	}
	a.walkStmts(fn.Stmts, inner, depth+1)
}

func (a *analyzer) walkExpr(ex ast.Expr, sc *scope) valKind {
	switch e := ex.(type) {
	case *ast.NilExpr:
		return kindNil
	case *ast.TrueExpr, *ast.FalseExpr:
		return kindBool
	case *ast.NumberExpr:
		return kindNumber
	case *ast.StringExpr:
		return kindString
	case *ast.Comma3Expr:
		return kindUnknown
	case *ast.IdentExpr:
		return a.checkIdent(e, sc)
	case *ast.AttrGetExpr:
		a.walkExpr(e.Object, sc)
		if _, isIdent := e.Key.(*ast.StringExpr); !isIdent {
			a.walkExpr(e.Key, sc)
		}
		return kindUnknown
	case *ast.TableExpr:
		for _, f := range e.Fields {
			if f.Key != nil {
				a.walkExpr(f.Key, sc)
			}
			a.walkExpr(f.Value, sc)
		}
		return kindTable
	case *ast.FuncCallExpr:
		if e.Func != nil {
			a.walkExpr(e.Func, sc)
		}
		if e.Receiver != nil {
			a.walkExpr(e.Receiver, sc)
		}
		for _, arg := range e.Args {
			a.walkExpr(arg, sc)
		}
		return kindUnknown
	case *ast.FunctionExpr:
		a.walkFunction(e, sc, 0, false)
		return kindFunction
	case *ast.LogicalOpExpr:
		a.walkExpr(e.Lhs, sc)
		a.walkExpr(e.Rhs, sc)
		return kindUnknown
	case *ast.RelationalOpExpr:
		a.walkExpr(e.Lhs, sc)
		a.walkExpr(e.Rhs, sc)
		return kindBool
	case *ast.StringConcatOpExpr:
		a.checkConcatOperand(e.Lhs, sc)
		a.checkConcatOperand(e.Rhs, sc)
		return kindString
	case *ast.ArithmeticOpExpr:
		a.checkArithOperand(e.Lhs, sc)
		a.checkArithOperand(e.Rhs, sc)
		return kindNumber
	case *ast.UnaryMinusOpExpr:
		a.checkArithOperand(e.Expr, sc)
		return kindNumber
	case *ast.UnaryNotOpExpr:
		a.walkExpr(e.Expr, sc)
		return kindBool
	case *ast.UnaryLenOpExpr:
		a.walkExpr(e.Expr, sc)
		return kindNumber
	}
	return kindUnknown
}

func (a *analyzer) checkIdent(e *ast.IdentExpr, sc *scope) valKind {
	name := e.Value
	if why, bad := forbidden[name]; bad {
		a.errorf(ForbiddenFunction, e.Line(), why, "forbidden symbol %q", name)
		return kindUnknown
	}
	if v := sc.resolve(name); v != nil {
		v.used = true
		return v.kind
	}
	if hint, old := deprecated[name]; old {
		a.warns = append(a.warns, ValidationWarning{
			Kind:       DeprecatedFunction,
			Message:    fmt.Sprintf("%q is deprecated", name),
			Line:       e.Line(),
			Suggestion: hint,
		})
	}
	if a.globals[name] || a.assigned[name] {
		return kindUnknown
	}
	a.errorf(UndefinedVariable, e.Line(),
		fmt.Sprintf("declare it with `local %s = ...` or check the spelling", name),
		"undefined variable %q", name)
	return kindUnknown
}

// staticKind resolves an expression's kind without re-reporting diagnostics.
func (a *analyzer) staticKind(ex ast.Expr, sc *scope) valKind {
	switch e := ex.(type) {
	case *ast.NilExpr:
		return kindNil
	case *ast.TrueExpr, *ast.FalseExpr:
		return kindBool
	case *ast.NumberExpr:
		return kindNumber
	case *ast.StringExpr:
		return kindString
	case *ast.TableExpr:
		return kindTable
	case *ast.FunctionExpr:
		return kindFunction
	case *ast.IdentExpr:
		if v := sc.resolve(e.Value); v != nil {
			return v.kind
		}
	}
	return kindUnknown
}

func (a *analyzer) checkArithOperand(ex ast.Expr, sc *scope) {
	kind := a.walkExpr(ex, sc)
	switch kind {
	case kindTable, kindFunction, kindBool, kindNil:
		a.errorf(TypeMismatch, ex.Line(),
			"arithmetic needs numbers; convert the value or use a different operation",
			"arithmetic on a %s value", kind)
	case kindString:
		if se, ok := ex.(*ast.StringExpr); ok {
			if _, err := strconv.ParseFloat(strings.TrimSpace(se.Value), 64); err != nil {
				a.errorf(TypeMismatch, ex.Line(),
					"use tonumber() or a numeric literal",
					"arithmetic on non-numeric string %q", se.Value)
			}
		}
	}
}

func (a *analyzer) checkConcatOperand(ex ast.Expr, sc *scope) {
	kind := a.walkExpr(ex, sc)
	switch kind {
	case kindTable, kindFunction, kindBool, kindNil:
		a.errorf(TypeMismatch, ex.Line(),
			"use tostring() or json.encode() before concatenating",
			"concatenation of a %s value", kind)
	}
}

func (a *analyzer) checkLoopBound(s *ast.NumberForStmt) {
	init, ok1 := numberValue(s.Init)
	limit, ok2 := numberValue(s.Limit)
	step := 1.0
	ok3 := true
	if s.Step != nil {
		step, ok3 = numberValue(s.Step)
	}
	if !ok1 || !ok2 || !ok3 || step == 0 {
		return
	}
	iters := (limit - init) / step
	if iters > float64(a.cfg.MaxLoopIterations) {
		a.errorf(ComplexityExceeded, s.Line(),
			fmt.Sprintf("keep loops under %d iterations", a.cfg.MaxLoopIterations),
			"loop runs approximately %.0f iterations", iters)
	}
}

func numberValue(ex ast.Expr) (float64, bool) {
	switch e := ex.(type) {
	case *ast.NumberExpr:
		f, err := strconv.ParseFloat(e.Value, 64)
		return f, err == nil
	case *ast.UnaryMinusOpExpr:
		if f, ok := numberValue(e.Expr); ok {
			return -f, true
		}
	}
	return 0, false
}

func (a *analyzer) reportUnused(root *scope) {
	var visit func(sc *scope)
	visit = func(sc *scope) {
		for name, v := range sc.vars {
			if !v.used && !strings.HasPrefix(name, "_") {
				a.warns = append(a.warns, ValidationWarning{
					Kind:       UnusedVariable,
					Message:    fmt.Sprintf("local %q is never used", name),
					Line:       v.line,
					Suggestion: "remove it or prefix the name with _",
				})
			}
		}
		for _, child := range sc.children {
			visit(child)
		}
	}
	visit(root)
}

// hasTopLevelReturn walks the top-level control flow (but not nested
// functions) looking for a return statement.
func hasTopLevelReturn(stmts []ast.Stmt) bool {
	for _, st := range stmts {
		switch s := st.(type) {
		case *ast.ReturnStmt:
			return true
		case *ast.DoBlockStmt:
			if hasTopLevelReturn(s.Stmts) {
				return true
			}
		case *ast.IfStmt:
			if hasTopLevelReturn(s.Then) || hasTopLevelReturn(s.Else) {
				return true
			}
		case *ast.WhileStmt:
			if hasTopLevelReturn(s.Stmts) {
				return true
			}
		case *ast.RepeatStmt:
			if hasTopLevelReturn(s.Stmts) {
				return true
			}
		case *ast.NumberForStmt:
			if hasTopLevelReturn(s.Stmts) {
				return true
			}
		case *ast.GenericForStmt:
			if hasTopLevelReturn(s.Stmts) {
				return true
			}
		}
	}
	return false
}

func (a *analyzer) errorf(kind ValidationKind, line int, suggestion, format string, args ...any) {
	a.errs = append(a.errs, ValidationError{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Line:       line,
		Suggestion: suggestion,
		Snippet:    snippet(a.lines, line),
	})
}
