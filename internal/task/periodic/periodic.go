// Package periodic binds a Schedule to the arguments a recurring task is
// enqueued with.
package periodic

import (
	"maps"
	"reflect"
	"slices"
	"time"

	"dbtasks/internal/task/schedule"
)

// Args is the positional-argument source of a periodic task: a fixed list or
// a producer invoked every time a new occurrence is enqueued.
type Args struct {
	fixed []any
	fn    func() []any
}

func FixedArgs(args ...any) Args { return Args{fixed: args} }

func ArgsFunc(fn func() []any) Args { return Args{fn: fn} }

// Resolve returns a fresh copy of the fixed list or the producer's output.
func (a Args) Resolve() []any {
	if a.fn != nil {
		if v := a.fn(); v != nil {
			return v
		}
		return []any{}
	}
	if a.fixed == nil {
		return []any{}
	}
	return slices.Clone(a.fixed)
}

// Kwargs is the keyword-argument counterpart of Args.
type Kwargs struct {
	fixed map[string]any
	fn    func() map[string]any
}

func FixedKwargs(kwargs map[string]any) Kwargs { return Kwargs{fixed: kwargs} }

func KwargsFunc(fn func() map[string]any) Kwargs { return Kwargs{fn: fn} }

func (k Kwargs) Resolve() map[string]any {
	if k.fn != nil {
		if v := k.fn(); v != nil {
			return v
		}
		return map[string]any{}
	}
	if k.fixed == nil {
		return map[string]any{}
	}
	return maps.Clone(k.fixed)
}

// Periodic is a recurring task definition. It is immutable once built.
type Periodic struct {
	sched  schedule.Schedule
	args   Args
	kwargs Kwargs
	retain *schedule.Duration
}

// Option customises a Periodic.
type Option func(*Periodic)

func WithArgs(a Args) Option { return func(p *Periodic) { p.args = a } }

func WithKwargs(k Kwargs) Option { return func(p *Periodic) { p.kwargs = k } }

// WithRetain overrides how long finished records of this task type are kept.
func WithRetain(d schedule.Duration) Option {
	return func(p *Periodic) { p.retain = &d }
}

func New(s schedule.Schedule, opts ...Option) *Periodic {
	p := &Periodic{sched: s}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Parse is New with a textual schedule; see schedule.Parse.
func Parse(spec string, anchor time.Time, opts ...Option) (*Periodic, error) {
	s, err := schedule.Parse(spec, anchor)
	if err != nil {
		return nil, err
	}
	return New(s, opts...), nil
}

func (p *Periodic) Schedule() schedule.Schedule { return p.sched }

func (p *Periodic) Next(after, until time.Time) (time.Time, error) {
	return p.sched.Next(after, until)
}

func (p *Periodic) Args() []any { return p.args.Resolve() }

func (p *Periodic) Kwargs() map[string]any { return p.kwargs.Resolve() }

// Retain reports the per-type retention override, if any.
func (p *Periodic) Retain() (schedule.Duration, bool) {
	if p.retain == nil {
		return 0, false
	}
	return *p.retain, true
}

// Equal reports whether two definitions describe the same schedule and
// retention. Producer functions are not comparable and are ignored.
func (p *Periodic) Equal(o *Periodic) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.sched.String() != o.sched.String() {
		return false
	}
	pr, pok := p.Retain()
	or, ook := o.Retain()
	if pok != ook || pr != or {
		return false
	}
	if p.args.fn != nil || o.args.fn != nil || p.kwargs.fn != nil || o.kwargs.fn != nil {
		return false
	}
	return slices.EqualFunc(p.args.fixed, o.args.fixed, reflect.DeepEqual) &&
		maps.EqualFunc(p.kwargs.fixed, o.kwargs.fixed, reflect.DeepEqual)
}
