package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbtasks/internal/eventbus"
	"dbtasks/internal/storage"
	"dbtasks/internal/task/engine"
	"dbtasks/internal/task/runner"
)

func TestObserve(t *testing.T) {
	c := New()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mail := runner.TaskEvent{ID: "a", TaskType: "app.send_mail"}

	c.Observe(eventbus.Event{Type: runner.EventClaimed, Time: t0, Data: mail})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inFlight))

	mail.Status = storage.StatusSuccessful
	c.Observe(eventbus.Event{Type: runner.EventFinished, Time: t0.Add(2 * time.Second), Data: mail})
	c.Observe(eventbus.Event{Type: runner.EventRescheduled, Time: t0, Data: runner.TaskEvent{ID: "b", TaskType: "app.tick"}})
	c.Observe(eventbus.Event{Type: runner.EventQueueEmpty, Time: t0})
	c.Observe(eventbus.Event{Type: engine.EventDropped, Time: t0})

	assert.Equal(t, 0.0, testutil.ToFloat64(c.inFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.claimed.WithLabelValues("app.send_mail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.finished.WithLabelValues("app.send_mail", "SUCCESSFUL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rescheduled.WithLabelValues("app.tick")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.queueEmpty))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dropped))

	expected := `
# HELP dbtasks_runner_task_duration_seconds Time from claim to terminal status, in seconds.
# TYPE dbtasks_runner_task_duration_seconds histogram
dbtasks_runner_task_duration_seconds_bucket{task_type="app.send_mail",le="0.01"} 0
dbtasks_runner_task_duration_seconds_bucket{task_type="app.send_mail",le="0.05"} 0
dbtasks_runner_task_duration_seconds_bucket{task_type="app.send_mail",le="0.1"} 0
dbtasks_runner_task_duration_seconds_bucket{task_type="app.send_mail",le="0.5"} 0
dbtasks_runner_task_duration_seconds_bucket{task_type="app.send_mail",le="1"} 0
dbtasks_runner_task_duration_seconds_bucket{task_type="app.send_mail",le="2"} 1
dbtasks_runner_task_duration_seconds_bucket{task_type="app.send_mail",le="5"} 1
dbtasks_runner_task_duration_seconds_bucket{task_type="app.send_mail",le="10"} 1
dbtasks_runner_task_duration_seconds_bucket{task_type="app.send_mail",le="30"} 1
dbtasks_runner_task_duration_seconds_bucket{task_type="app.send_mail",le="120"} 1
dbtasks_runner_task_duration_seconds_bucket{task_type="app.send_mail",le="+Inf"} 1
dbtasks_runner_task_duration_seconds_sum{task_type="app.send_mail"} 2
dbtasks_runner_task_duration_seconds_count{task_type="app.send_mail"} 1
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "dbtasks_runner_task_duration_seconds"))
}

func TestRunConsumesBus(t *testing.T) {
	c := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, bus)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: runner.EventQueueEmpty})
		return testutil.ToFloat64(c.queueEmpty) > 0
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestHandlerExposesRunnerMetrics(t *testing.T) {
	c := New()
	c.Observe(eventbus.Event{Type: runner.EventQueueEmpty})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dbtasks_runner_queue_empty_total 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
