package script

import (
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// ValidationKind classifies a pre-execution finding.
type ValidationKind string

const (
	SyntaxError        ValidationKind = "syntax_error"
	ForbiddenFunction  ValidationKind = "forbidden_function"
	UndefinedVariable  ValidationKind = "undefined_variable"
	TypeMismatch       ValidationKind = "type_mismatch"
	ComplexityExceeded ValidationKind = "complexity_exceeded"

	MissingReturn      ValidationKind = "missing_return"
	UnusedVariable     ValidationKind = "unused_variable"
	DeprecatedFunction ValidationKind = "deprecated_function"
)

// ValidationError is a blocking finding. Line and Column are 1-based; zero
// means unknown.
type ValidationError struct {
	Kind       ValidationKind `json:"kind"`
	Message    string         `json:"message"`
	Line       int            `json:"line,omitempty"`
	Column     int            `json:"column,omitempty"`
	Suggestion string         `json:"suggestion,omitempty"`
	Snippet    string         `json:"snippet,omitempty"`
}

func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s at line %d: %s", e.Kind, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ValidationWarning is an advisory finding; execution proceeds.
type ValidationWarning struct {
	Kind       ValidationKind `json:"kind"`
	Message    string         `json:"message"`
	Line       int            `json:"line,omitempty"`
	Column     int            `json:"column,omitempty"`
	Suggestion string         `json:"suggestion,omitempty"`
}

// FunctionInfo documents one callable primitive for script authors.
type FunctionInfo struct {
	Name        string `json:"name"`
	Signature   string `json:"signature"`
	Description string `json:"description"`
	Returns     string `json:"returns"`
	Example     string `json:"example,omitempty"`
}

// ValidationResult is the validator's full report. The validator never
// fails; even an unparseable source yields a report.
type ValidationResult struct {
	Valid              bool                `json:"valid"`
	Errors             []ValidationError   `json:"errors"`
	Warnings           []ValidationWarning `json:"warnings"`
	AvailableFunctions []FunctionInfo      `json:"available_functions"`
}

// RuntimeKind classifies a fault during script execution.
type RuntimeKind string

const (
	NamespaceNotFound       RuntimeKind = "namespace_not_found"
	KeyNotFound             RuntimeKind = "key_not_found"
	VectorDimensionMismatch RuntimeKind = "vector_dimension_mismatch"
	EmbeddingFailure        RuntimeKind = "embedding_failure"
	VectorSearchFailure     RuntimeKind = "vector_search_failure"
	DeserializationError    RuntimeKind = "deserialization_error"
	Unauthorized            RuntimeKind = "unauthorized"
	TimeoutExceeded         RuntimeKind = "timeout_exceeded"
	MemoryLimitExceeded     RuntimeKind = "memory_limit_exceeded"
	ScriptError             RuntimeKind = "script_error"
)

// RuntimeError is the only error shape that crosses the engine boundary at
// execution time.
type RuntimeError struct {
	Kind      RuntimeKind `json:"kind"`
	Message   string      `json:"message"`
	Traceback string      `json:"lua_traceback,omitempty"`
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// faultTypeName keys the metatable of bridge faults carried through the
// interpreter as userdata. Scripts can pcall and tostring a fault but
// cannot forge one; a string passed to error() stays a plain script_error.
const faultTypeName = "mnemos.fault"

// AsRuntime extracts the typed fault a bridge primitive raised, if err
// carries one.
func AsRuntime(err error) (*RuntimeError, bool) {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return nil, false
	}
	ud, ok := apiErr.Object.(*lua.LUserData)
	if !ok {
		return nil, false
	}
	rte, ok := ud.Value.(*RuntimeError)
	if !ok {
		return nil, false
	}
	if rte.Traceback == "" {
		rte.Traceback = apiErr.StackTrace
	}
	return rte, true
}
