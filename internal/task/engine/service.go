package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dbtasks/internal/eventbus"
	"dbtasks/internal/runtime/supervisor"
	"dbtasks/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a fixed-size worker pool. Stop drains submitted work instead of
// abandoning it, and task contexts are only cancelled if that drain outlives
// the caller's deadline.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *supervisor.Supervisor
	stopDone chan struct{}

	hmu     sync.Mutex
	history []HistoryItem

	busy      atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	idSeq     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "engine")),
		bus: bus,
	}
}

func (s *Service) Workers() int { return s.cfg.Workers }

// Supervisor returns the worker supervisor, or nil when stopped.
func (s *Service) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the workers. It is idempotent while running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.q != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopDone = nil
	queue := s.q
	// Task contexts must survive the caller's cancellation; only a timed-out
	// Stop cancels them.
	s.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.worker(c, queue)
		}, supervisor.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop refuses new work, waits for queued and running tasks to finish, and
// returns. If ctx ends first the task contexts are cancelled and ctx.Err()
// is returned.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.q == nil {
		s.mu.Unlock()
		return nil
	}
	done := s.stopDone
	sup := s.sup
	if done == nil {
		done = make(chan struct{})
		s.stopDone = done
		close(s.q)
		go func() {
			_ = sup.Wait(context.Background())
			s.mu.Lock()
			s.q = nil
			s.sup = nil
			s.mu.Unlock()
			close(done)
		}()
	}
	s.mu.Unlock()

	select {
	case <-done:
		s.log.Info("task engine stopped")
		return nil
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// Submit queues t without blocking.
func (s *Service) Submit(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("task Name is required")
	}
	t.Name = name

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("job-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	// The send happens under mu so it can never race with close in Stop.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q == nil {
		return ErrStopped
	}
	if s.stopDone != nil {
		return ErrStopping
	}
	select {
	case s.q <- queuedTask{task: t, enqueuedAt: now, timeout: timeout}:
		return nil
	default:
		s.onQueueFullDropped(now, t)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	q := s.q
	running := q != nil && s.stopDone == nil
	s.mu.Unlock()

	snap := Snapshot{
		Running:   running,
		Workers:   s.cfg.Workers,
		Busy:      int(s.busy.Load()),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task) {
	s.dropped.Add(1)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventDropped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Error: "queue_full"}})
	}
	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.Task(t.Name, t.ID),
			logx.Int("queue_cap", cap(s.q)),
			logx.Uint64("dropped", s.dropped.Load()),
		)
	}
}
