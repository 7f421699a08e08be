// Package eventbus is an in-process, non-blocking event fan-out.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a small in-memory notification.
//
// Publish never blocks: each subscriber has a bounded buffer and events that
// do not fit are dropped and counted.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Filter selects the events a subscriber receives. A nil Filter takes all.
type Filter func(Event) bool

// Prefix matches event types starting with any of prefixes, e.g. "task.".
func Prefix(prefixes ...string) Filter {
	return func(e Event) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(e.Type, p) {
				return true
			}
		}
		return false
	}
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	SubscribeFunc(buffer int, f Filter) (ch <-chan Event, unsubscribe func())
	// Dropped is the number of deliveries lost to full subscriber buffers.
	Dropped() uint64
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	filter Filter
}

type memBus struct {
	// mu is held for reading while sending so unsubscribe can close channels.
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribeFunc(buffer, nil)
}

func (b *memBus) SubscribeFunc(buffer int, f Filter) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), filter: f}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
