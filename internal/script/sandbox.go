// Package script runs interception scripts against a copy of a Routable in
// an isolated JavaScript runtime.
//
// A script sees a single global, routable, shaped as
//
//	routable.direction          "MT" or "MO"
//	routable.pdu.params         read/write map of PDU parameters
//	routable.user               {id, username, group} or null
//	routable.connector          resolved connector id
//	routable.source_connector   connector an MO message arrived on
//	routable.tags               tags attached so far (read only)
//
// and three functions: reject(reason) vetoes delivery, addTag(tag) attaches
// a tag and log(...) writes a debug line. Setting the globals http_status or
// smpp_status to a non zero value also vetoes, carrying that status.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/thrillee/aegisroute/internal/routable"
)

const (
	DefaultTimeout   = 2 * time.Second
	maxCallStackSize = 256
)

// ErrorKind tells syntax failures from runtime failures.
type ErrorKind string

const (
	KindSyntax  ErrorKind = "SyntaxError"
	KindRuntime ErrorKind = "RuntimeError"
)

// Error is returned for scripts that fail to compile or to run.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind of a script error, "" for other errors.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Program is a compiled script.
type Program struct {
	Source string
	prog   *goja.Program
}

// Compile parses a script. Parse failures are SyntaxErrors.
func Compile(src string) (*Program, error) {
	p, err := goja.Compile("interceptor", src, true)
	if err != nil {
		return nil, &Error{Kind: KindSyntax, Err: err}
	}
	return &Program{Source: src, prog: p}, nil
}

// Outcome is what a successful run produced. Params is the full parameter
// map after the script ran; it is only meaningful when Rejected is false.
type Outcome struct {
	Params     map[string]any `json:"params"`
	Tags       []string       `json:"tags,omitempty"`
	Rejected   bool           `json:"rejected"`
	Reason     string         `json:"reason,omitempty"`
	HTTPStatus int            `json:"http_status,omitempty"`
	SMPPStatus int            `json:"smpp_status,omitempty"`
	Duration   time.Duration  `json:"duration"`
}

// Sandbox runs scripts with a bounded execution time. Each run gets a fresh
// runtime, so nothing leaks between runs.
type Sandbox struct {
	timeout time.Duration
	cache   sync.Map // source -> *Program
}

func NewSandbox(timeout time.Duration) *Sandbox {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Sandbox{timeout: timeout}
}

func (s *Sandbox) Timeout() time.Duration { return s.timeout }

// Program returns the compiled form of src, compiling it on first use.
func (s *Sandbox) Program(src string) (*Program, error) {
	if p, ok := s.cache.Load(src); ok {
		return p.(*Program), nil
	}
	p, err := Compile(src)
	if err != nil {
		return nil, err
	}
	actual, _ := s.cache.LoadOrStore(src, p)
	return actual.(*Program), nil
}

// RunSource compiles (or reuses) src and runs it.
func (s *Sandbox) RunSource(ctx context.Context, src string, r *routable.Routable) (*Outcome, error) {
	p, err := s.Program(src)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, p, r)
}

// Run executes p against a copy of r. r itself is never modified.
func (s *Sandbox) Run(ctx context.Context, p *Program, r *routable.Routable) (out *Outcome, err error) {
	if p == nil || p.prog == nil {
		return nil, &Error{Kind: KindSyntax, Err: errors.New("script was not compiled")}
	}
	start := time.Now()
	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)

	timer := time.AfterFunc(s.timeout, func() {
		vm.Interrupt("execution timeout")
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	defer func() {
		if caught := recover(); caught != nil {
			out = nil
			err = &Error{Kind: KindRuntime, Err: fmt.Errorf("script panicked: %v", caught)}
		}
	}()

	env := newEnv(r)
	if err := env.install(vm); err != nil {
		return nil, &Error{Kind: KindRuntime, Err: err}
	}

	if _, err := vm.RunProgram(p.prog); err != nil {
		return nil, &Error{Kind: KindRuntime, Err: err}
	}

	out = env.outcome(vm)
	out.Duration = time.Since(start)
	return out, nil
}

// env is the per-run view of a Routable handed to the runtime.
type env struct {
	params   map[string]any
	tags     []string
	rejected bool
	reason   string
	root     map[string]any
}

func newEnv(r *routable.Routable) *env {
	c := r.Clone()
	params := maps.Clone(c.PDU.Params)
	for k, v := range params {
		if b, ok := v.([]byte); ok {
			params[k] = string(b)
		}
	}
	e := &env{params: params, tags: slices.Clone(c.Tags)}

	var user any
	if c.User != nil {
		user = map[string]any{"id": c.User.ID, "username": c.User.Username, "group": c.User.GroupID}
	}
	tags := make([]any, len(c.Tags))
	for i, t := range c.Tags {
		tags[i] = t
	}
	e.root = map[string]any{
		"id":               c.ID,
		"direction":        string(c.Direction),
		"pdu":              map[string]any{"params": params},
		"user":             user,
		"connector":        c.Connector,
		"source_connector": c.SourceConnector,
		"tags":             tags,
	}
	return e
}

func (e *env) install(vm *goja.Runtime) error {
	if err := vm.Set("routable", e.root); err != nil {
		return err
	}
	if err := vm.Set("reject", func(call goja.FunctionCall) goja.Value {
		e.rejected = true
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			e.reason = arg.String()
		}
		return goja.Undefined()
	}); err != nil {
		return err
	}
	if err := vm.Set("addTag", func(tag string) {
		if tag != "" && !slices.Contains(e.tags, tag) {
			e.tags = append(e.tags, tag)
		}
	}); err != nil {
		return err
	}
	if err := vm.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		slog.Debug("Interception script log", slog.String("line", strings.Join(parts, " ")))
		return goja.Undefined()
	}); err != nil {
		return err
	}
	if err := vm.Set("http_status", 0); err != nil {
		return err
	}
	return vm.Set("smpp_status", 0)
}

func (e *env) outcome(vm *goja.Runtime) *Outcome {
	params := e.params
	// the script may have replaced the whole params object
	if pdu, ok := e.root["pdu"].(map[string]any); ok {
		if p, ok := pdu["params"].(map[string]any); ok {
			params = p
		}
	}
	out := &Outcome{
		Params:     params,
		Tags:       e.tags,
		Rejected:   e.rejected,
		Reason:     e.reason,
		HTTPStatus: intGlobal(vm, "http_status"),
		SMPPStatus: intGlobal(vm, "smpp_status"),
	}
	if out.HTTPStatus != 0 || out.SMPPStatus != 0 {
		out.Rejected = true
		if out.Reason == "" {
			out.Reason = "rejected by interception script status"
		}
	}
	return out
}

func intGlobal(vm *goja.Runtime, name string) int {
	v := vm.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	return int(v.ToInteger())
}
