package runner

import "sync"

// signal is a resettable broadcast flag: Set releases every current and
// future waiter until Clear.
type signal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newSignal() *signal { return &signal{ch: make(chan struct{})} }

func (s *signal) Set() {
	s.mu.Lock()
	if !s.set {
		close(s.ch)
		s.set = true
	}
	s.mu.Unlock()
}

func (s *signal) Clear() {
	s.mu.Lock()
	if s.set {
		s.ch = make(chan struct{})
		s.set = false
	}
	s.mu.Unlock()
}

func (s *signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

func (s *signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// waiters hands out one-shot completion channels keyed by task id.
type waiters struct {
	mu sync.Mutex
	m  map[string]*waiter
}

type waiter struct {
	ch   chan struct{}
	refs int
}

func (w *waiters) add(id string) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.m == nil {
		w.m = map[string]*waiter{}
	}
	e := w.m[id]
	if e == nil {
		e = &waiter{ch: make(chan struct{})}
		w.m[id] = e
	}
	e.refs++
	return e.ch
}

func (w *waiters) remove(id string, ch <-chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.m[id]
	if e == nil || e.ch != ch {
		return
	}
	if e.refs--; e.refs <= 0 {
		delete(w.m, id)
	}
}

func (w *waiters) fire(id string) {
	w.mu.Lock()
	e := w.m[id]
	delete(w.m, id)
	w.mu.Unlock()
	if e != nil {
		close(e.ch)
	}
}
