package storage

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore keeps tasks in a map guarded by one mutex, which is what makes
// Claim atomic.
type memoryStore struct {
	mu    sync.Mutex
	tasks map[string]*memTask
	seq   uint64
}

type memTask struct {
	Task
	seq    uint64
	args   string
	kwargs string
}

// NewMemory returns an empty process-local store.
func NewMemory() Store {
	return &memoryStore{tasks: map[string]*memTask{}}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) newRecord(n NewTask, now time.Time) (*memTask, error) {
	n, err := n.normalize(now)
	if err != nil {
		return nil, err
	}
	a, k, err := encodeArgs(n.Args, n.Kwargs)
	if err != nil {
		return nil, err
	}
	s.seq++
	return &memTask{
		Task: Task{
			ID:         uuid.NewString(),
			TaskType:   n.TaskType,
			Backend:    n.Backend,
			Queue:      n.Queue,
			Priority:   n.Priority,
			Status:     StatusReady,
			EnqueuedAt: n.EnqueuedAt,
			RunAfter:   n.RunAfter,
			Periodic:   n.Periodic,
			WorkerIDs:  []string{},
		},
		seq:    s.seq,
		args:   a,
		kwargs: k,
	}, nil
}

// snapshot returns a copy that shares nothing with the stored record.
func (m *memTask) snapshot() Task {
	t := m.Task
	t.Args, t.Kwargs, _ = decodeArgs(m.args, m.kwargs)
	t.WorkerIDs = slices.Clone(m.WorkerIDs)
	if m.ReturnValue != nil {
		t.ReturnValue = slices.Clone(m.ReturnValue)
	}
	return t
}

func (s *memoryStore) Insert(ctx context.Context, n NewTask) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.newRecord(n, time.Now())
	if err != nil {
		return Task{}, err
	}
	s.tasks[rec.ID] = rec
	return rec.snapshot(), nil
}

func (s *memoryStore) Claim(ctx context.Context, req ClaimRequest) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Max <= 0 {
		return nil, nil
	}
	req = req.normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	var ready []*memTask
	for _, t := range s.tasks {
		if t.Status != StatusReady || t.Backend != req.Backend || !slices.Contains(req.Queues, t.Queue) {
			continue
		}
		if !t.RunAfter.IsZero() && t.RunAfter.After(req.Now) {
			continue
		}
		ready = append(ready, t)
	}
	slices.SortFunc(ready, func(a, b *memTask) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		if c := a.EnqueuedAt.Compare(b.EnqueuedAt); c != 0 {
			return c
		}
		return int(a.seq) - int(b.seq)
	})
	if len(ready) > req.Max {
		ready = ready[:req.Max]
	}
	out := make([]Task, 0, len(ready))
	for _, t := range ready {
		t.Status = StatusRunning
		t.StartedAt = req.Now
		t.WorkerIDs = append(t.WorkerIDs, req.WorkerID)
		out = append(out, t.snapshot())
	}
	return out, nil
}

func (s *memoryStore) ResetPeriodic(ctx context.Context, backend string, tasks []NewTask) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if backend == "" {
		backend = DefaultBackend
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]*memTask, 0, len(tasks))
	for _, n := range tasks {
		n.Backend = backend
		n.Periodic = true
		rec, err := s.newRecord(n, now)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	s.deletePending(backend, "")
	out := make([]Task, 0, len(recs))
	for _, rec := range recs {
		s.tasks[rec.ID] = rec
		out = append(out, rec.snapshot())
	}
	return out, nil
}

func (s *memoryStore) DeletePendingPeriodic(ctx context.Context, backend, taskType string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if backend == "" {
		backend = DefaultBackend
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletePending(backend, taskType), nil
}

func (s *memoryStore) deletePending(backend, taskType string) int64 {
	var n int64
	for id, t := range s.tasks {
		if t.Status == StatusReady && t.Periodic && t.Backend == backend && (taskType == "" || t.TaskType == taskType) {
			delete(s.tasks, id)
			n++
		}
	}
	return n
}

func (s *memoryStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, f PurgeFilter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		if t.Status.Terminal() && t.FinishedAt.Before(cutoff) && f.matches(t.TaskType) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Finish(ctx context.Context, id string, o Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = o.Status
	t.FinishedAt = o.FinishedAt
	t.ReturnValue = nil
	if len(o.ReturnValue) > 0 && json.Valid(o.ReturnValue) {
		t.ReturnValue = slices.Clone(o.ReturnValue)
	}
	t.ErrorClass = o.ErrorClass
	t.ErrorMessage = o.ErrorMessage
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t.snapshot(), nil
}

func (s *memoryStore) List(ctx context.Context, f ListFilter) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	var recs []*memTask
	for _, t := range s.tasks {
		if f.matches(&t.Task) {
			recs = append(recs, t)
		}
	}
	slices.SortFunc(recs, func(a, b *memTask) int {
		if c := a.EnqueuedAt.Compare(b.EnqueuedAt); c != 0 {
			return c
		}
		return int(a.seq) - int(b.seq)
	})
	if f.Limit > 0 && len(recs) > f.Limit {
		recs = recs[:f.Limit]
	}
	out := make([]Task, 0, len(recs))
	for _, t := range recs {
		out = append(out, t.snapshot())
	}
	s.mu.Unlock()
	return out, nil
}
