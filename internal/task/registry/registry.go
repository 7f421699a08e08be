// Package registry maps task type paths to the Go functions that run them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
)

// Func runs one task. args and kwargs are the decoded JSON payload of the
// stored record; the returned value must be JSON-encodable.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// UnknownTaskError is returned for a task type nobody registered.
type UnknownTaskError struct {
	TaskType string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task type %q", e.TaskType)
}

// Failure is the captured outcome of a task that returned an error or
// panicked.
type Failure struct {
	Class   string
	Message string
	Stack   string
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return f.Class
	}
	return f.Class + ": " + f.Message
}

// Classed lets an error choose the class recorded for it.
type Classed interface {
	ErrorClass() string
}

type Result struct {
	Value   any
	Failure *Failure
}

func (r Result) OK() bool { return r.Failure == nil }

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func New() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds or replaces the function for taskType.
func (r *Registry) Register(taskType string, fn Func) error {
	taskType = strings.TrimSpace(taskType)
	if taskType == "" {
		return errors.New("registry: task type is required")
	}
	if fn == nil {
		return fmt.Errorf("registry: nil func for %q", taskType)
	}
	r.mu.Lock()
	r.funcs[taskType] = fn
	r.mu.Unlock()
	return nil
}

// MustRegister panics on an invalid registration.
func (r *Registry) MustRegister(taskType string, fn Func) {
	if err := r.Register(taskType, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(taskType string) (Func, error) {
	r.mu.RLock()
	fn, ok := r.funcs[taskType]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownTaskError{TaskType: taskType}
	}
	return fn, nil
}

func (r *Registry) Has(taskType string) bool {
	_, err := r.Lookup(taskType)
	return err == nil
}

// Types lists registered task types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.funcs))
	for k := range r.funcs {
		out = append(out, k)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Execute runs the task and never panics. Unknown types, returned errors and
// panics all come back as a Failure.
func (r *Registry) Execute(ctx context.Context, taskType string, args []any, kwargs map[string]any) (res Result) {
	fn, err := r.Lookup(taskType)
	if err != nil {
		return Result{Failure: failureOf(err)}
	}
	defer func() {
		if p := recover(); p != nil {
			res = Result{Failure: &Failure{
				Class:   "panic",
				Message: fmt.Sprint(p),
				Stack:   string(debug.Stack()),
			}}
		}
	}()
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	v, err := fn(ctx, args, kwargs)
	if err != nil {
		return Result{Failure: failureOf(err)}
	}
	return Result{Value: v}
}

func failureOf(err error) *Failure {
	var c Classed
	if errors.As(err, &c) {
		return &Failure{Class: c.ErrorClass(), Message: err.Error()}
	}
	return &Failure{Class: fmt.Sprintf("%T", err), Message: err.Error()}
}
