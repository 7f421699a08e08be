package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbtasks/internal/eventbus"
	"dbtasks/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestStopDrainsQueuedWork(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2, QueueSize: 16})

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Submit(Task{Name: "sleep", Run: func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
			return nil
		}}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, int32(10), ran.Load())

	snap := s.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, uint64(10), snap.Completed)
	assert.Len(t, snap.History, 10)

	assert.ErrorIs(t, s.Submit(Task{Name: "late", Run: func(context.Context) error { return nil }}), ErrStopped)
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Submit(Task{Name: "block", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, s.Submit(Task{Name: "queued", Run: func(context.Context) error { return nil }}))
	assert.ErrorIs(t, s.Submit(Task{Name: "dropped", Run: func(context.Context) error { return nil }}), ErrQueueFull)
	assert.Equal(t, uint64(1), s.Snapshot().Dropped)
	close(release)
}

func TestPanicsAndErrorsAreRecorded(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	require.NoError(t, s.Submit(Task{Name: "panics", Run: func(context.Context) error { panic("kaboom") }}))
	require.NoError(t, s.Submit(Task{Name: "fails", Run: func(context.Context) error { return errors.New("nope") }}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Failed)
	require.Len(t, snap.History, 2)
	assert.Contains(t, snap.History[0].Error, "kaboom")
	assert.Equal(t, "nope", snap.History[1].Error)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{})
	assert.Error(t, s.Submit(Task{Name: "x"}))
	assert.Error(t, s.Submit(Task{Name: " ", Run: func(context.Context) error { return nil }}))
	assert.Equal(t, 2, s.Workers())
}

func TestTimedOutStopCancelsTasks(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	cancelled := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Submit(Task{Name: "stuck", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("task context was not cancelled")
	}
}
