package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dbtasks/internal/eventbus"
	"dbtasks/internal/storage"
	"dbtasks/internal/task/engine"
	"dbtasks/internal/task/periodic"
	"dbtasks/pkg/logx"
)

const (
	EventClaimed     = "task.claimed"
	EventFinished    = "task.finished"
	EventFailed      = "task.failed"
	EventRescheduled = "task.rescheduled"
	EventQueueEmpty  = "queue.empty"
)

// TaskEvent is the payload of every task.* event.
type TaskEvent struct {
	ID       string         `json:"id"`
	TaskType string         `json:"task_type"`
	Status   storage.Status `json:"status"`
	Periodic bool           `json:"periodic"`
	RunAfter time.Time      `json:"run_after,omitzero"`
	Error    string         `json:"error,omitempty"`
}

func (r *Runner) publish(typ string, data any) {
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: data})
}

// scheduleTasks claims as many tasks as there are idle workers and submits
// them. It returns how long to wait before the next call: zero after a full
// batch, the poll interval otherwise.
func (r *Runner) scheduleTasks(ctx context.Context) time.Duration {
	r.mu.Lock()
	available := r.cfg.Workers - len(r.inFlight)
	r.mu.Unlock()
	if available <= 0 {
		return r.cfg.PollInterval
	}

	tasks, err := r.store.Claim(ctx, storage.ClaimRequest{
		Max:      available,
		Backend:  r.cfg.Backend,
		Queues:   r.cfg.Queues,
		WorkerID: r.cfg.WorkerID,
		Now:      r.now(),
	})
	if err != nil {
		if ctx.Err() == nil && r.claimWarn.Allow() {
			r.log.Warn("claim failed", logx.Err(err))
		}
		return r.cfg.PollInterval
	}
	if len(tasks) == 0 {
		r.mu.Lock()
		idle := len(r.inFlight) == 0
		r.mu.Unlock()
		if idle && !r.empty.IsSet() {
			r.empty.Set()
			r.publish(EventQueueEmpty, nil)
		}
		return r.cfg.PollInterval
	}

	r.empty.Clear()
	for _, t := range tasks {
		r.log.Debug("submitting task", logx.Task(t.TaskType, t.ID))
		r.mu.Lock()
		r.inFlight[t.ID] = inflight{taskType: t.TaskType, periodic: t.Periodic}
		r.seen[t.TaskType] = struct{}{}
		r.mu.Unlock()
		r.publish(EventClaimed, TaskEvent{ID: t.ID, TaskType: t.TaskType, Status: t.Status, Periodic: t.Periodic})

		err := r.engine.Submit(engine.Task{
			ID:   t.ID,
			Name: t.TaskType,
			Run: func(ctx context.Context) error {
				return r.runTask(ctx, t)
			},
		})
		if err != nil {
			// The task is RUNNING in the store but will never run here.
			r.log.Error("submit failed", logx.Task(t.TaskType, t.ID), logx.Err(err))
			r.finish(ctx, t, storage.Outcome{
				Status:       storage.StatusFailed,
				FinishedAt:   r.now(),
				ErrorClass:   fmt.Sprintf("%T", err),
				ErrorMessage: err.Error(),
			})
		}
	}
	if len(tasks) >= available {
		return 0
	}
	return r.cfg.PollInterval
}

// runTask executes t on a worker goroutine and records the outcome.
func (r *Runner) runTask(ctx context.Context, t storage.Task) error {
	r.log.Info("running task", logx.Task(t.TaskType, t.ID))
	res := r.reg.Execute(ctx, t.TaskType, t.Args, t.Kwargs)

	o := storage.Outcome{Status: storage.StatusSuccessful, FinishedAt: r.now()}
	if res.OK() {
		b, err := json.Marshal(res.Value)
		if err != nil {
			o.Status = storage.StatusFailed
			o.ErrorClass = fmt.Sprintf("%T", err)
			o.ErrorMessage = err.Error()
		} else {
			o.ReturnValue = b
		}
	} else {
		o.Status = storage.StatusFailed
		o.ErrorClass = res.Failure.Class
		o.ErrorMessage = res.Failure.Message
		if res.Failure.Stack != "" {
			r.log.Error("task panicked", logx.Task(t.TaskType, t.ID), logx.Stack(res.Failure.Stack))
		}
	}
	r.finish(ctx, t, o)
	if !res.OK() {
		return res.Failure
	}
	return nil
}

// finish persists the outcome and runs completion bookkeeping.
func (r *Runner) finish(ctx context.Context, t storage.Task, o storage.Outcome) {
	if err := r.store.Finish(context.WithoutCancel(ctx), t.ID, o); err != nil {
		r.log.Error("recording task outcome failed", logx.Task(t.TaskType, t.ID), logx.Err(err))
	}
	r.taskDone(ctx, t, o)
}

// taskDone releases the in-flight slot, chains the next occurrence of a
// periodic task, then wakes anyone waiting on t.
func (r *Runner) taskDone(ctx context.Context, t storage.Task, o storage.Outcome) {
	r.mu.Lock()
	r.processed++
	delete(r.inFlight, t.ID)
	p := r.periodic[t.TaskType]
	r.mu.Unlock()

	ev := TaskEvent{ID: t.ID, TaskType: t.TaskType, Status: o.Status, Periodic: t.Periodic}
	if o.Status == storage.StatusSuccessful {
		r.log.Info("task finished", logx.Task(t.TaskType, t.ID), logx.String("status", string(o.Status)))
		r.publish(EventFinished, ev)
	} else {
		ev.Error = o.ErrorMessage
		r.log.Info("task failed", logx.Task(t.TaskType, t.ID), logx.String("class", o.ErrorClass), logx.String("error", o.ErrorMessage))
		r.publish(EventFailed, ev)
	}

	if t.Periodic && p != nil {
		r.enqueueNext(context.WithoutCancel(ctx), t.TaskType, p)
	}
	r.waiting.fire(t.ID)
}

// enqueueNext inserts the next occurrence of a periodic task with freshly
// resolved arguments.
func (r *Runner) enqueueNext(ctx context.Context, taskType string, p *periodic.Periodic) {
	now := r.now()
	next, err := p.Next(now, time.Time{})
	if err != nil {
		r.log.Warn("periodic task not rescheduled", logx.String("task", taskType), logx.Err(err))
		return
	}
	t, err := r.store.Insert(ctx, storage.NewTask{
		TaskType:   taskType,
		Args:       p.Args(),
		Kwargs:     p.Kwargs(),
		Backend:    r.cfg.Backend,
		Queue:      r.cfg.Queues[0],
		RunAfter:   next,
		Periodic:   true,
		EnqueuedAt: now,
	})
	if err != nil {
		r.log.Error("periodic task not rescheduled", logx.String("task", taskType), logx.Err(err))
		return
	}
	r.log.Info("rescheduled task", logx.Task(taskType, t.ID), logx.Time("run_after", next))
	r.publish(EventRescheduled, TaskEvent{ID: t.ID, TaskType: taskType, Status: t.Status, Periodic: true, RunAfter: next})
}
