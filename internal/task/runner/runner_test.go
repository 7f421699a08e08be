package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbtasks/internal/eventbus"
	"dbtasks/internal/storage"
	"dbtasks/internal/task/periodic"
	"dbtasks/internal/task/registry"
	"dbtasks/internal/task/schedule"
	"dbtasks/pkg/logx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func sendMail(_ context.Context, args []any, _ map[string]any) (any, error) {
	if len(args) < 2 {
		return nil, errors.New("send_mail needs a recipient and a message")
	}
	return map[string]any{"sent": true}, nil
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	reg.MustRegister("app.send_mail", sendMail)
	reg.MustRegister("app.tick", func(context.Context, []any, map[string]any) (any, error) { return nil, nil })
	reg.MustRegister("app.fail", func(context.Context, []any, map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	return reg
}

func newRunner(t *testing.T, cfg Config, st storage.Store, reg *registry.Registry, bus eventbus.Bus) *Runner {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "test-worker"
	}
	r, err := New(cfg, st, reg, logx.Nop(), bus)
	require.NoError(t, err)
	return r
}

// start runs r in the background and stops it when the test ends.
func start(t *testing.T, r *Runner) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	t.Cleanup(func() {
		r.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("runner did not stop")
		}
	})
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSingleTask(t *testing.T) {
	st := storage.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	r := newRunner(t, Config{Workers: 2}, st, newRegistry(t), bus)
	start(t, r)

	task, err := st.Insert(context.Background(), storage.NewTask{
		TaskType: "app.send_mail",
		Args:     []any{"user@example.com", "hello world!"},
	})
	require.NoError(t, err)

	ok, err := r.WaitFor(waitCtx(t), &task)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.StatusSuccessful, task.Status)
	assert.JSONEq(t, `{"sent":true}`, string(task.ReturnValue))
	assert.Equal(t, []string{"test-worker"}, task.WorkerIDs)

	var types []string
	for len(types) < 2 {
		select {
		case e := <-events:
			if e.Type == EventClaimed || e.Type == EventFinished {
				types = append(types, e.Type)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []string{EventClaimed, EventFinished}, types)

	// A finished task returns immediately.
	ok, err = r.WaitFor(context.Background(), &task)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLotsOfTasks(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	for k := 0; k < 100; k++ {
		_, err := st.Insert(ctx, storage.NewTask{
			TaskType: "app.send_mail",
			Args:     []any{fmt.Sprintf("user-%d@example.com", k), "hello!"},
		})
		require.NoError(t, err)
	}

	r := newRunner(t, Config{Workers: 4}, st, newRegistry(t), nil)
	start(t, r)

	require.True(t, r.Wait(waitCtx(t)))
	assert.Equal(t, 100, r.Processed())

	done, err := st.List(ctx, storage.ListFilter{Statuses: []storage.Status{storage.StatusSuccessful}})
	require.NoError(t, err)
	assert.Len(t, done, 100)

	snap := r.Snapshot()
	assert.Equal(t, 0, snap.InFlight)
	assert.Equal(t, []string{"app.send_mail"}, snap.SeenTypes)
}

func TestFailureIsRecorded(t *testing.T) {
	st := storage.NewMemory()
	r := newRunner(t, Config{Workers: 1}, st, newRegistry(t), nil)
	start(t, r)

	ctx := context.Background()
	failing, err := st.Insert(ctx, storage.NewTask{TaskType: "app.fail"})
	require.NoError(t, err)
	unknown, err := st.Insert(ctx, storage.NewTask{TaskType: "app.missing"})
	require.NoError(t, err)

	for _, task := range []*storage.Task{&failing, &unknown} {
		ok, err := r.WaitFor(waitCtx(t), task)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, storage.StatusFailed, task.Status)
	}
	assert.Equal(t, "*errors.errorString", failing.ErrorClass)
	assert.Equal(t, "boom", failing.ErrorMessage)
	assert.Equal(t, "*registry.UnknownTaskError", unknown.ErrorClass)
}

func TestPeriodicChain(t *testing.T) {
	st := storage.NewMemory()
	clk := &clock{now: time.Date(2025, 1, 1, 0, 0, 30, 0, time.UTC)}
	r := newRunner(t, Config{
		Workers:  2,
		Now:      clk.Now,
		Periodic: map[string]*periodic.Periodic{"app.tick": periodic.New(schedule.MustParseCrontab("* * * * *"))},
	}, st, newRegistry(t), nil)
	start(t, r)

	ctx := context.Background()
	pendingTicks := func() []storage.Task {
		periodicOnly := true
		out, err := st.List(ctx, storage.ListFilter{TaskType: "app.tick", Periodic: &periodicOnly, Statuses: []storage.Status{storage.StatusReady}})
		require.NoError(t, err)
		return out
	}

	require.Eventually(t, func() bool { return len(pendingTicks()) == 1 }, 5*time.Second, 5*time.Millisecond)
	first := pendingTicks()[0]
	assert.Equal(t, time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC), first.RunAfter.UTC())

	// Not due yet.
	time.Sleep(30 * time.Millisecond)
	got, err := st.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusReady, got.Status)

	clk.Set(first.RunAfter)
	ok, err := r.WaitFor(waitCtx(t), &first)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.StatusSuccessful, first.Status)

	next := pendingTicks()
	require.Len(t, next, 1, "exactly one successor")
	assert.True(t, next[0].RunAfter.After(first.RunAfter))
	assert.Equal(t, time.Date(2025, 1, 1, 0, 2, 0, 0, time.UTC), next[0].RunAfter.UTC())

	// A manual, non-periodic run of the same type does not chain.
	manual, err := st.Insert(ctx, storage.NewTask{TaskType: "app.tick"})
	require.NoError(t, err)
	ok, err = r.WaitFor(waitCtx(t), &manual)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, pendingTicks(), 1)
}

func TestInitPeriodicIsIdempotent(t *testing.T) {
	st := storage.NewMemory()
	r := newRunner(t, Config{
		Retain: schedule.MustParseDuration("7d"),
		Periodic: map[string]*periodic.Periodic{
			"app.tick":      periodic.New(schedule.MustParseCrontab("*/5 * * * *")),
			"app.send_mail": periodic.New(schedule.MustParseCrontab("0 9 * * mon"), periodic.WithArgs(periodic.FixedArgs("ops@example.com", "weekly"))),
		},
	}, st, newRegistry(t), nil)

	ctx := context.Background()
	require.NoError(t, r.InitPeriodic(ctx))
	require.NoError(t, r.InitPeriodic(ctx))

	pending, err := st.List(ctx, storage.ListFilter{Statuses: []storage.Status{storage.StatusReady}})
	require.NoError(t, err)
	byType := map[string]int{}
	for _, p := range pending {
		assert.True(t, p.Periodic)
		byType[p.TaskType]++
	}
	assert.Equal(t, map[string]int{"app.tick": 1, "app.send_mail": 1, CleanupTask: 1}, byType)
}

func TestScheduleTasksBatches(t *testing.T) {
	st := storage.NewMemory()
	reg := newRegistry(t)
	release := make(chan struct{})
	reg.MustRegister("app.block", func(context.Context, []any, map[string]any) (any, error) {
		<-release
		return nil, nil
	})
	r := newRunner(t, Config{Workers: 2, PollInterval: time.Second}, st, reg, nil)

	ctx := context.Background()
	r.engine.Start(ctx)
	defer func() {
		close(release)
		require.NoError(t, r.engine.Stop(waitCtx(t)))
	}()

	// Nothing to do: poll delay, queue flagged empty.
	assert.Equal(t, time.Second, r.scheduleTasks(ctx))
	assert.True(t, r.empty.IsSet())

	for i := 0; i < 3; i++ {
		_, err := st.Insert(ctx, storage.NewTask{TaskType: "app.block"})
		require.NoError(t, err)
	}
	assert.Equal(t, time.Duration(0), r.scheduleTasks(ctx), "full batch polls again immediately")
	assert.False(t, r.empty.IsSet())
	assert.Equal(t, 2, r.Snapshot().InFlight)
	assert.Equal(t, time.Second, r.scheduleTasks(ctx), "no idle workers")
}

func TestWaitHonoursContext(t *testing.T) {
	reg := newRegistry(t)
	r := newRunner(t, Config{}, storage.NewMemory(), reg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, r.Wait(ctx))

	task := storage.Task{ID: "missing", Status: storage.StatusReady}
	_, err := r.WaitFor(context.Background(), &task)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ok, err := r.WaitFor(context.Background(), nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNilTask)
}

func TestLifecycle(t *testing.T) {
	r := newRunner(t, Config{}, storage.NewMemory(), newRegistry(t), nil)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	require.Eventually(t, func() bool { return r.state.Load() == stateRunning }, 5*time.Second, time.Millisecond)
	assert.ErrorIs(t, r.Run(context.Background()), ErrAlreadyStarted)

	r.Stop()
	r.Stop()
	require.NoError(t, <-done)
	assert.ErrorIs(t, r.Run(context.Background()), ErrStopped)

	stopped := newRunner(t, Config{}, storage.NewMemory(), newRegistry(t), nil)
	stopped.Stop()
	assert.ErrorIs(t, stopped.Run(context.Background()), ErrStopped)
}

func TestRunStopsWithContext(t *testing.T) {
	r := newRunner(t, Config{}, storage.NewMemory(), newRegistry(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConfigErrors(t *testing.T) {
	reg := newRegistry(t)
	st := storage.NewMemory()
	tick := periodic.New(schedule.MustParseCrontab("* * * * *"))
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative workers", Config{Workers: -1}},
		{"negative poll", Config{PollInterval: -time.Second}},
		{"empty queue", Config{Queues: []string{"default", ""}}},
		{"negative retain", Config{Retain: -1}},
		{"zero type retain", Config{RetainByType: map[string]schedule.Duration{"app.tick": 0}}},
		{"bad cleanup schedule", Config{Retain: 60, CleanupSchedule: "61 * * * *"}},
		{"nil periodic", Config{Periodic: map[string]*periodic.Periodic{"app.tick": nil}}},
		{"unregistered periodic", Config{Periodic: map[string]*periodic.Periodic{"app.nope": tick}}},
		{"reserved periodic", Config{Periodic: map[string]*periodic.Periodic{CleanupTask: tick}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, st, reg, logx.Nop(), nil)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}

	_, err := New(Config{}, nil, reg, logx.Nop(), nil)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = New(Config{}, st, nil, logx.Nop(), nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestDefaults(t *testing.T) {
	r, err := New(Config{}, storage.NewMemory(), newRegistry(t), logx.Nop(), nil)
	require.NoError(t, err)
	snap := r.Snapshot()
	assert.Equal(t, DefaultWorkers, snap.Workers)
	assert.Equal(t, storage.DefaultBackend, snap.Backend)
	assert.Equal(t, []string{storage.DefaultQueue}, snap.Queues)
	assert.NotEmpty(t, snap.WorkerID)
	assert.Empty(t, snap.PeriodicTypes, "no cleanup task without retention")
}

func TestApplyPeriodic(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	clk := &clock{now: time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)}
	every5 := periodic.New(schedule.MustParseCrontab("*/5 * * * *"))
	r := newRunner(t, Config{
		Now:      clk.Now,
		Periodic: map[string]*periodic.Periodic{"app.tick": every5},
	}, st, newRegistry(t), nil)
	require.NoError(t, r.InitPeriodic(ctx))

	pending := func(typ string) []storage.Task {
		out, err := st.List(ctx, storage.ListFilter{TaskType: typ, Statuses: []storage.Status{storage.StatusReady}})
		require.NoError(t, err)
		return out
	}
	before := pending("app.tick")
	require.Len(t, before, 1)

	// Unchanged definitions keep their pending record.
	require.NoError(t, r.ApplyPeriodic(ctx, map[string]*periodic.Periodic{
		"app.tick": periodic.New(schedule.MustParseCrontab("*/5 * * * *")),
	}))
	after := pending("app.tick")
	require.Len(t, after, 1)
	assert.Equal(t, before[0].ID, after[0].ID)

	// Changed schedule replaces it, added type gets one.
	mail := periodic.New(schedule.MustParseCrontab("0 9 * * *"), periodic.WithArgs(periodic.FixedArgs("ops@example.com", "daily")))
	require.NoError(t, r.ApplyPeriodic(ctx, map[string]*periodic.Periodic{
		"app.tick":      periodic.New(schedule.MustParseCrontab("*/10 * * * *")),
		"app.send_mail": mail,
	}))
	after = pending("app.tick")
	require.Len(t, after, 1)
	assert.NotEqual(t, before[0].ID, after[0].ID)
	assert.Equal(t, time.Date(2025, 1, 1, 8, 10, 0, 0, time.UTC), after[0].RunAfter.UTC())
	mails := pending("app.send_mail")
	require.Len(t, mails, 1)
	assert.Equal(t, []any{"ops@example.com", "daily"}, mails[0].Args)
	assert.Equal(t, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), mails[0].RunAfter.UTC())

	// Removed types lose their pending record.
	require.NoError(t, r.ApplyPeriodic(ctx, map[string]*periodic.Periodic{"app.send_mail": mail}))
	assert.Empty(t, pending("app.tick"))
	assert.Len(t, pending("app.send_mail"), 1)
	assert.Equal(t, []string{"app.send_mail"}, r.Snapshot().PeriodicTypes)

	err := r.ApplyPeriodic(ctx, map[string]*periodic.Periodic{"app.nope": mail})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestCleanupPurgesByRetention(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newRunner(t, Config{
		Now:          func() time.Time { return now },
		Retain:       schedule.MustParseDuration("7d"),
		RetainByType: map[string]schedule.Duration{"app.tick": schedule.MustParseDuration("1h")},
	}, st, newRegistry(t), nil)
	assert.Contains(t, r.Snapshot().PeriodicTypes, CleanupTask)

	finished := func(typ string, at time.Time) string {
		task, err := st.Insert(ctx, storage.NewTask{TaskType: typ, EnqueuedAt: at.Add(-time.Minute)})
		require.NoError(t, err)
		claimed, err := st.Claim(ctx, storage.ClaimRequest{Max: 1, WorkerID: "w", Now: at})
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, st.Finish(ctx, task.ID, storage.Outcome{Status: storage.StatusSuccessful, FinishedAt: at}))
		return task.ID
	}
	oldMail := finished("app.send_mail", now.Add(-8*24*time.Hour))
	recentMail := finished("app.send_mail", now.Add(-2*time.Hour))
	oldTick := finished("app.tick", now.Add(-2*time.Hour))
	recentTick := finished("app.tick", now.Add(-10*time.Minute))
	pending, err := st.Insert(ctx, storage.NewTask{TaskType: "app.send_mail", EnqueuedAt: now.Add(-30 * 24 * time.Hour), RunAfter: now.Add(time.Hour)})
	require.NoError(t, err)

	reg := r.reg
	res := reg.Execute(ctx, CleanupTask, nil, nil)
	require.True(t, res.OK(), "cleanup failed: %v", res.Failure)
	out := res.Value.(map[string]any)
	assert.Equal(t, int64(2), out["deleted"])

	for _, id := range []string{oldMail, oldTick} {
		_, err := st.Get(ctx, id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	for _, id := range []string{recentMail, recentTick, pending.ID} {
		_, err := st.Get(ctx, id)
		assert.NoError(t, err)
	}
}
