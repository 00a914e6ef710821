// Package query is the execution scheduler: it gates scripts through the
// validator and the caller's permissions, serializes them onto interpreter
// workers and converts every fault into a typed error.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/mnemosdb/mnemos/src/auth"
	"github.com/mnemosdb/mnemos/src/script"
)

// Config bounds one executor instance.
type Config struct {
	// MaxConcurrentEmbedding caps simultaneous embedding calls. Consumed by
	// the engine wiring, not by the executor itself.
	MaxConcurrentEmbedding int
	// ComplexityCeiling is the validator's maximum source size in bytes.
	ComplexityCeiling int
	// ExecutionTimeout is the wall-clock budget of one script run.
	ExecutionTimeout time.Duration
	// Workers is the number of interpreter-owning worker loops.
	Workers int
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentEmbedding: 4,
		ComplexityCeiling:      64 * 1024,
		ExecutionTimeout:       30 * time.Second,
		Workers:                1,
	}
}

// InvalidError carries the blocking findings of the validation gate.
type InvalidError struct {
	Errors []script.ValidationError
}

func (e *InvalidError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "invalid script"
	case 1:
		return "invalid script: " + e.Errors[0].Error()
	default:
		return fmt.Sprintf("invalid script: %s (and %d more)", e.Errors[0].Error(), len(e.Errors)-1)
	}
}

// ErrClosed is returned by Execute after Close.
var ErrClosed = errors.New("query: executor closed")

type request struct {
	ctx    context.Context
	source string
	guard  script.Guard
	resp   chan response
}

type response struct {
	value string
	err   error
}

// Executor owns the interpreter workers. Scripts sent to the same worker
// never run concurrently; clients queue.
type Executor struct {
	cfg       Config
	validator *script.Validator
	bridge    *script.Bridge
	auth      *auth.Manager

	requests chan *request
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// New starts the worker loops. A nil auth manager admits every caller.
func New(cfg Config, bridge *script.Bridge, authm *auth.Manager) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultConfig().ExecutionTimeout
	}
	e := &Executor{
		cfg: cfg,
		validator: script.NewValidator(script.ValidatorConfig{
			MaxSourceBytes: cfg.ComplexityCeiling,
		}),
		bridge:   bridge,
		auth:     authm,
		requests: make(chan *request),
		done:     make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	return e
}

// Validate is the pass-through to the static validator.
func (e *Executor) Validate(source string) script.ValidationResult {
	return e.validator.Validate(source)
}

// Execute validates, authorizes and runs a script, returning the normalized
// result string or a typed error. The error is either *InvalidError or
// *script.RuntimeError.
func (e *Executor) Execute(ctx context.Context, source, caller string) (string, error) {
	res := e.validator.Validate(source)
	if !res.Valid {
		return "", &InvalidError{Errors: res.Errors}
	}

	if err := e.prescan(source, caller); err != nil {
		return "", err
	}

	req := &request{
		ctx:    ctx,
		source: source,
		guard:  e.guardFor(caller),
		resp:   make(chan response, 1),
	}
	select {
	case e.requests <- req:
	case <-e.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", &script.RuntimeError{Kind: script.TimeoutExceeded, Message: ctx.Err().Error()}
	}
	select {
	case resp := <-req.resp:
		return resp.value, resp.err
	case <-ctx.Done():
		// The worker still finishes or times out on its own; the caller
		// just stops waiting.
		return "", &script.RuntimeError{Kind: script.TimeoutExceeded, Message: ctx.Err().Error()}
	}
}

// prescan statically checks the called primitives against the caller's
// grants. It is advisory; the guard re-checks every call at runtime.
func (e *Executor) prescan(source, caller string) error {
	if e.auth == nil {
		return nil
	}
	guard := e.guardFor(caller)
	for _, name := range script.CalledPrimitives(source) {
		prim, ok := script.Lookup(name)
		if !ok {
			continue
		}
		if err := guard(prim); err != nil {
			return &script.RuntimeError{Kind: script.Unauthorized, Message: err.Error()}
		}
	}
	return nil
}

// guardFor builds the per-call permission check the bridge enforces. Every
// listed permission must be granted; the insert requirement alone is also
// satisfied by update, since put on an existing key is an update.
func (e *Executor) guardFor(caller string) script.Guard {
	if e.auth == nil {
		return script.AllowAll
	}
	return func(p *script.Primitive) error {
		for _, perm := range p.Permissions {
			if e.auth.Allowed(caller, perm) {
				continue
			}
			if perm == auth.Insert && e.auth.Allowed(caller, auth.Update) {
				continue
			}
			return fmt.Errorf("%w: caller %q lacks %s for %s",
				auth.ErrUnauthorized, caller, perm, p.Name)
		}
		return nil
	}
}

// Close stops the workers. In-flight scripts run to completion.
func (e *Executor) Close() {
	e.once.Do(func() {
		close(e.done)
		e.wg.Wait()
	})
}

func (e *Executor) worker(n int) {
	defer e.wg.Done()
	log.Debug().Int("worker", n).Msg("interpreter worker started")
	for {
		select {
		case req := <-e.requests:
			value, err := e.runOne(req)
			req.resp <- response{value: value, err: err}
		case <-e.done:
			return
		}
	}
}

// runOne executes one script on a fresh sandboxed interpreter. The state is
// never shared between requests, so one script's globals cannot leak into
// the next.
func (e *Executor) runOne(req *request) (value string, rerr error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("script worker recovered")
			rerr = &script.RuntimeError{
				Kind:    script.ScriptError,
				Message: fmt.Sprintf("internal fault: %v", r),
			}
		}
	}()

	ctx, cancel := context.WithTimeout(req.ctx, e.cfg.ExecutionTimeout)
	defer cancel()

	L := script.NewSandbox()
	defer L.Close()
	L.SetContext(ctx)
	e.bridge.Bind(L, ctx, req.guard)

	if err := L.DoString(req.source); err != nil {
		return "", e.convert(ctx, err)
	}
	if L.GetTop() == 0 {
		return "", nil
	}
	return normalize(L.Get(-1))
}

// convert maps an interpreter fault onto the runtime error taxonomy.
// Bridge primitives raise typed userdata faults; anything else is either
// the deadline firing or a plain script error.
func (e *Executor) convert(ctx context.Context, err error) error {
	if rte, ok := script.AsRuntime(err); ok {
		return rte
	}

	var apiErr *lua.ApiError
	traceback := ""
	msg := err.Error()
	if errors.As(err, &apiErr) {
		traceback = apiErr.StackTrace
		msg = apiErr.Object.String()
	}

	if ctx.Err() != nil || strings.Contains(msg, context.DeadlineExceeded.Error()) {
		return &script.RuntimeError{
			Kind:      script.TimeoutExceeded,
			Message:   "execution exceeded the configured timeout",
			Traceback: traceback,
		}
	}
	return &script.RuntimeError{Kind: script.ScriptError, Message: msg, Traceback: traceback}
}

// normalize renders the script's return value as the engine's string
// result: strings pass through, tables become JSON, nil becomes empty.
func normalize(v lua.LValue) (string, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return "", nil
	case lua.LString:
		return string(val), nil
	case lua.LNumber, lua.LBool:
		return val.String(), nil
	case *lua.LTable:
		text, err := script.EncodeLuaJSON(val)
		if err != nil {
			return "", &script.RuntimeError{Kind: script.DeserializationError, Message: err.Error()}
		}
		return text, nil
	default:
		return val.String(), nil
	}
}
