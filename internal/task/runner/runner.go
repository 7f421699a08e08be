// Package runner polls a task store, runs claimed tasks on a bounded worker
// pool, and keeps periodic tasks scheduled.
package runner

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"dbtasks/internal/eventbus"
	"dbtasks/internal/storage"
	"dbtasks/internal/task/engine"
	"dbtasks/internal/task/periodic"
	"dbtasks/internal/task/registry"
	"dbtasks/internal/task/schedule"
	"dbtasks/pkg/logx"
)

// CleanupTask is the built-in periodic task that purges finished records.
const CleanupTask = "dbtasks.cleanup"

const (
	DefaultWorkers         = 4
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultCleanupSchedule = "~ * * * *"
)

// Config controls a Runner. Zero values pick the defaults above.
type Config struct {
	Workers  int
	WorkerID string
	// PollInterval is the delay between store polls when the last poll did
	// not fill every free worker.
	PollInterval time.Duration
	Backend      string
	Queues       []string
	// TaskTimeout bounds a single task run; 0 means no limit.
	TaskTimeout time.Duration

	// Retain enables the cleanup task: finished records older than this are
	// deleted. RetainByType overrides it per task type.
	Retain          schedule.Duration
	RetainByType    map[string]schedule.Duration
	CleanupSchedule string

	Periodic map[string]*periodic.Periodic

	// Now is the clock used for claims and scheduling.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if strings.TrimSpace(c.WorkerID) == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			c.WorkerID = h
		} else {
			c.WorkerID = "runner-" + uuid.NewString()[:8]
		}
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Backend == "" {
		c.Backend = storage.DefaultBackend
	}
	if len(c.Queues) == 0 {
		c.Queues = []string{storage.DefaultQueue}
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = DefaultCleanupSchedule
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func (c Config) validate(reg *registry.Registry) error {
	var errs []error
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll interval must not be negative, got %s", c.PollInterval))
	}
	if c.TaskTimeout < 0 {
		errs = append(errs, fmt.Errorf("task timeout must not be negative, got %s", c.TaskTimeout))
	}
	if slices.Contains(c.Queues, "") {
		errs = append(errs, errors.New("queue names must not be empty"))
	}
	if c.Retain < 0 {
		errs = append(errs, fmt.Errorf("retain must not be negative, got %d", c.Retain))
	}
	for typ, d := range c.RetainByType {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("retain for %s must be positive, got %d", typ, d))
		}
	}
	errs = append(errs, checkPeriodic(c.Periodic, reg)...)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return nil
}

func checkPeriodic(defs map[string]*periodic.Periodic, reg *registry.Registry) []error {
	var errs []error
	for typ, p := range defs {
		switch {
		case p == nil:
			errs = append(errs, fmt.Errorf("periodic %s has no schedule", typ))
		case typ == CleanupTask:
			errs = append(errs, fmt.Errorf("periodic %s is reserved", typ))
		case !reg.Has(typ):
			errs = append(errs, fmt.Errorf("periodic %s is not a registered task", typ))
		}
	}
	return errs
}

const (
	stateCreated int32 = iota
	stateRunning
	stateStopped
)

type inflight struct {
	taskType string
	periodic bool
}

// Runner is the task runner. Create it with New; it runs once.
type Runner struct {
	cfg    Config
	store  storage.Store
	reg    *registry.Registry
	log    logx.Logger
	bus    eventbus.Bus
	engine *engine.Service

	// mu guards inFlight, processed, seen, periodic and retain.
	mu        sync.Mutex
	inFlight  map[string]inflight
	processed int
	seen      map[string]struct{}
	periodic  map[string]*periodic.Periodic
	cleanup   *periodic.Periodic
	retain    retention

	waiting waiters
	empty   *signal

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once

	claimWarn *rate.Limiter
}

// New validates cfg and builds a Runner. When retention is configured the
// cleanup task is registered in reg.
func New(cfg Config, store storage.Store, reg *registry.Registry, log logx.Logger, bus eventbus.Bus) (*Runner, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrConfig)
	}
	if reg == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrConfig)
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(reg); err != nil {
		return nil, err
	}
	cleanup, err := periodic.Parse(cfg.CleanupSchedule, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("%w: cleanup schedule: %w", ErrConfig, err)
	}
	if bus == nil {
		bus = eventbus.New()
	}
	log = log.With(logx.String("comp", "runner"), logx.String("worker_id", cfg.WorkerID))

	r := &Runner{
		cfg:      cfg,
		store:    store,
		reg:      reg,
		log:      log,
		bus:      bus,
		engine:   engine.New(engine.Config{Workers: cfg.Workers, DefaultTimeout: cfg.TaskTimeout}, log, bus),
		inFlight: map[string]inflight{},
		seen:     map[string]struct{}{},
		cleanup:  cleanup,
		empty:    newSignal(),
		stopCh:   make(chan struct{}),
		// One claim warning per poll burst is plenty.
		claimWarn: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	r.setPeriodic(cfg.Periodic)
	if err := reg.Register(CleanupTask, r.runCleanup); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return r, nil
}

// setPeriodic installs defs plus, when any retention applies, the cleanup
// task. Callers hold mu or own r exclusively.
func (r *Runner) setPeriodic(defs map[string]*periodic.Periodic) {
	r.periodic = maps.Clone(defs)
	if r.periodic == nil {
		r.periodic = map[string]*periodic.Periodic{}
	}
	r.retain = newRetention(r.cfg.Retain, r.cfg.RetainByType, r.periodic)
	if r.retain.enabled() {
		r.periodic[CleanupTask] = r.cleanup
	}
}

func (r *Runner) now() time.Time { return r.cfg.Now() }

func (r *Runner) WorkerID() string { return r.cfg.WorkerID }

// Run schedules periodic tasks and dispatches work until Stop is called or
// ctx ends, then waits for in-flight tasks to finish.
func (r *Runner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(stateCreated, stateRunning) {
		if r.state.Load() == stateStopped {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}
	defer r.state.Store(stateStopped)

	r.log.Info("task runner starting", logx.Int("workers", r.cfg.Workers), logx.String("backend", r.cfg.Backend), logx.Any("queues", r.cfg.Queues))
	r.engine.Start(ctx)
	defer func() {
		// Claimed tasks are already RUNNING in the store; let them finish.
		_ = r.engine.Stop(context.Background())
		r.log.Info("task runner stopped", logx.Int("processed", r.Processed()))
	}()

	if err := r.InitPeriodic(ctx); err != nil {
		return fmt.Errorf("init periodic: %w", err)
	}

	for {
		delay := r.scheduleTasks(ctx)
		if delay <= 0 {
			select {
			case <-r.stopCh:
				return nil
			case <-ctx.Done():
				return nil
			default:
				continue
			}
		}
		t := time.NewTimer(delay)
		select {
		case <-r.stopCh:
			t.Stop()
			return nil
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Stop asks Run to return. It does not wait and is safe to call repeatedly.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.state.CompareAndSwap(stateCreated, stateStopped)
		r.log.Info("shutting down task runner")
		close(r.stopCh)
	})
}

func (r *Runner) Processed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed
}

// Snapshot is a diagnostic view of the runner.
type Snapshot struct {
	WorkerID      string          `json:"worker_id"`
	Backend       string          `json:"backend"`
	Queues        []string        `json:"queues"`
	Workers       int             `json:"workers"`
	InFlight      int             `json:"in_flight"`
	Processed     int             `json:"processed"`
	Empty         bool            `json:"empty"`
	SeenTypes     []string        `json:"seen_types"`
	PeriodicTypes []string        `json:"periodic_types"`
	Engine        engine.Snapshot `json:"engine"`
}

func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	snap := Snapshot{
		WorkerID:      r.cfg.WorkerID,
		Backend:       r.cfg.Backend,
		Queues:        slices.Clone(r.cfg.Queues),
		Workers:       r.cfg.Workers,
		InFlight:      len(r.inFlight),
		Processed:     r.processed,
		SeenTypes:     slices.Sorted(maps.Keys(r.seen)),
		PeriodicTypes: slices.Sorted(maps.Keys(r.periodic)),
	}
	r.mu.Unlock()
	snap.Empty = r.empty.IsSet()
	snap.Engine = r.engine.Snapshot()
	return snap
}
