package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"dbtasks/pkg/logx"
)

// worker drains queue until Stop closes it.
func (s *Service) worker(ctx context.Context, queue <-chan queuedTask) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case qt, ok := <-queue:
			if !ok {
				return nil
			}
			s.busy.Add(1)
			s.execOne(ctx, qt)
			s.busy.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = qt.task.Run(runCtx)
	}()

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		s.failed.Add(1)
		s.log.Warn("job.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", dur))
	} else {
		s.completed.Add(1)
		if dur >= 750*time.Millisecond {
			s.log.Info("job.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("job.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
	}
	s.record(item)
}
