package runner

import (
	"context"

	"dbtasks/internal/storage"
	"dbtasks/pkg/logx"
)

// Wait blocks until the runner next observes an empty queue with nothing in
// flight. It returns false if ctx ends first.
func (r *Runner) Wait(ctx context.Context) bool {
	r.empty.Clear()
	select {
	case <-r.empty.Done():
		return true
	case <-ctx.Done():
		return false
	}
}

// WaitFor blocks until t reaches a terminal state and refreshes *t from the
// store. It reports false if ctx ended first; *t is refreshed either way.
func (r *Runner) WaitFor(ctx context.Context, t *storage.Task) (bool, error) {
	if t == nil {
		return false, ErrNilTask
	}
	if t.Status.Terminal() {
		return true, nil
	}
	r.log.Debug("waiting for task", logx.String("id", t.ID))
	ch := r.waiting.add(t.ID)
	defer r.waiting.remove(t.ID, ch)

	// The task may have finished before the waiter was registered.
	cur, err := r.store.Get(ctx, t.ID)
	if err != nil {
		return false, err
	}
	if cur.Status.Terminal() {
		*t = cur
		return true, nil
	}

	ok := true
	select {
	case <-ch:
	case <-ctx.Done():
		ok = false
	}
	cur, err = r.store.Get(context.WithoutCancel(ctx), t.ID)
	if err != nil {
		return ok, err
	}
	*t = cur
	return ok, nil
}
