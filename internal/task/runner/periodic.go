package runner

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"dbtasks/internal/storage"
	"dbtasks/internal/task/periodic"
	"dbtasks/internal/task/schedule"
	"dbtasks/pkg/logx"
)

// InitPeriodic replaces every pending periodic task of the runner's backend
// with one record per registered schedule, due at its next occurrence. The
// delete and inserts share one store transaction.
func (r *Runner) InitPeriodic(ctx context.Context) error {
	r.mu.Lock()
	defs := maps.Clone(r.periodic)
	r.mu.Unlock()

	now := r.now()
	tasks := make([]storage.NewTask, 0, len(defs))
	for _, typ := range slices.Sorted(maps.Keys(defs)) {
		n, ok := r.nextTask(typ, defs[typ], now)
		if ok {
			tasks = append(tasks, n)
		}
	}
	created, err := r.store.ResetPeriodic(ctx, r.cfg.Backend, tasks)
	if err != nil {
		return err
	}
	for _, t := range created {
		r.log.Info("scheduled periodic task", logx.Task(t.TaskType, t.ID), logx.Time("run_after", t.RunAfter))
	}
	return nil
}

func (r *Runner) nextTask(taskType string, p *periodic.Periodic, now time.Time) (storage.NewTask, bool) {
	next, err := p.Next(now, time.Time{})
	if err != nil {
		r.log.Warn("periodic task has no upcoming run", logx.String("task", taskType), logx.Err(err))
		return storage.NewTask{}, false
	}
	return storage.NewTask{
		TaskType:   taskType,
		Args:       p.Args(),
		Kwargs:     p.Kwargs(),
		Backend:    r.cfg.Backend,
		Queue:      r.cfg.Queues[0],
		RunAfter:   next,
		Periodic:   true,
		EnqueuedAt: now,
	}, true
}

// ApplyPeriodic swaps the periodic schedule set while the runner is live.
// Pending records of removed or changed types are deleted; added or changed
// types get a fresh record unless one is in flight, in which case its
// completion chains the next run from the new schedule.
func (r *Runner) ApplyPeriodic(ctx context.Context, defs map[string]*periodic.Periodic) error {
	if errs := checkPeriodic(defs, r.reg); len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfig, errs[0])
	}

	r.mu.Lock()
	old := r.periodic
	r.setPeriodic(defs)
	cur := maps.Clone(r.periodic)
	running := map[string]bool{}
	for _, f := range r.inFlight {
		if f.periodic {
			running[f.taskType] = true
		}
	}
	r.mu.Unlock()

	var drop, add []string
	for typ, p := range old {
		if np, ok := cur[typ]; !ok || !np.Equal(p) {
			drop = append(drop, typ)
		}
	}
	for typ, p := range cur {
		if op, ok := old[typ]; !ok || !op.Equal(p) {
			add = append(add, typ)
		}
	}
	slices.Sort(drop)
	slices.Sort(add)

	for _, typ := range drop {
		n, err := r.store.DeletePendingPeriodic(ctx, r.cfg.Backend, typ)
		if err != nil {
			return fmt.Errorf("drop pending %s: %w", typ, err)
		}
		r.log.Info("periodic task unscheduled", logx.String("task", typ), logx.Int64("pending_deleted", n))
	}
	now := r.now()
	for _, typ := range add {
		if running[typ] {
			continue
		}
		n, ok := r.nextTask(typ, cur[typ], now)
		if !ok {
			continue
		}
		t, err := r.store.Insert(ctx, n)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", typ, err)
		}
		r.log.Info("scheduled periodic task", logx.Task(typ, t.ID), logx.Time("run_after", t.RunAfter))
	}
	return nil
}

// retention is the cleanup plan: a global cutoff plus per-type overrides.
type retention struct {
	global schedule.Duration
	byType map[string]schedule.Duration
}

func newRetention(global schedule.Duration, byType map[string]schedule.Duration, defs map[string]*periodic.Periodic) retention {
	rt := retention{global: global, byType: maps.Clone(byType)}
	if rt.byType == nil {
		rt.byType = map[string]schedule.Duration{}
	}
	for typ, p := range defs {
		if p == nil {
			continue
		}
		if d, ok := p.Retain(); ok {
			rt.byType[typ] = d
		}
	}
	return rt
}

func (rt retention) enabled() bool { return rt.global > 0 || len(rt.byType) > 0 }

// runCleanup is the handler of CleanupTask. Types with their own retention
// are purged with their own cutoff; with a global retention everything else
// is purged with the global cutoff.
func (r *Runner) runCleanup(ctx context.Context, _ []any, _ map[string]any) (any, error) {
	r.mu.Lock()
	rt := r.retain
	r.mu.Unlock()

	now := r.now()
	deleted := map[string]int64{}
	var total int64
	for _, typ := range slices.Sorted(maps.Keys(rt.byType)) {
		cutoff := now.Add(-rt.byType[typ].Std())
		n, err := r.store.DeleteTerminalOlderThan(ctx, cutoff, storage.PurgeFilter{TaskType: typ})
		if err != nil {
			return nil, fmt.Errorf("cleanup %s: %w", typ, err)
		}
		deleted[typ] = n
		total += n
	}
	if rt.global > 0 {
		cutoff := now.Add(-rt.global.Std())
		r.log.Info("cleaning up finished tasks", logx.Time("before", cutoff))
		n, err := r.store.DeleteTerminalOlderThan(ctx, cutoff, storage.PurgeFilter{Exclude: slices.Collect(maps.Keys(rt.byType))})
		if err != nil {
			return nil, fmt.Errorf("cleanup: %w", err)
		}
		deleted["*"] = n
		total += n
	}
	return map[string]any{"deleted": total, "by_type": deleted}, nil
}
