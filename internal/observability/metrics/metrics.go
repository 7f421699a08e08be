// Package metrics turns runner events into Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dbtasks/internal/eventbus"
	"dbtasks/internal/task/engine"
	"dbtasks/internal/task/runner"
)

const namespace = "dbtasks"

// Collector owns a private registry so several runners in one process (and
// tests) do not collide on the global one.
type Collector struct {
	reg *prometheus.Registry

	claimed     *prometheus.CounterVec
	finished    *prometheus.CounterVec
	rescheduled *prometheus.CounterVec
	inFlight    prometheus.Gauge
	duration    *prometheus.HistogramVec
	queueEmpty  prometheus.Counter
	dropped     prometheus.Counter

	mu      sync.Mutex
	started map[string]time.Time
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		claimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "tasks_claimed_total",
			Help:      "Tasks claimed from the store, by task type.",
		}, []string{"task_type"}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status, by task type and status.",
		}, []string{"task_type", "status"}),
		rescheduled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "tasks_rescheduled_total",
			Help:      "Periodic successors inserted, by task type.",
		}, []string{"task_type"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "tasks_inflight",
			Help:      "Tasks claimed by this process and not yet finished.",
		}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "task_duration_seconds",
			Help:      "Time from claim to terminal status, in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 120},
		}, []string{"task_type"}),
		queueEmpty: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "queue_empty_total",
			Help:      "Times the runner found nothing to claim with nothing in flight.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "tasks_dropped_total",
			Help:      "Submissions refused by a full worker queue.",
		}),
		started: map[string]time.Time{},
	}
}

// Registry is what the /metrics handler gathers from.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Run consumes bus events until ctx ends.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.SubscribeFunc(256, eventbus.Prefix("task.", "queue.", "engine."))
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

// Observe records one event.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case runner.EventQueueEmpty:
		c.queueEmpty.Inc()
		return
	case engine.EventDropped:
		c.dropped.Inc()
		return
	}

	te, ok := e.Data.(runner.TaskEvent)
	if !ok {
		return
	}
	switch e.Type {
	case runner.EventClaimed:
		c.claimed.WithLabelValues(te.TaskType).Inc()
		c.inFlight.Inc()
		c.mu.Lock()
		c.started[te.ID] = e.Time
		c.mu.Unlock()
	case runner.EventFinished, runner.EventFailed:
		c.finished.WithLabelValues(te.TaskType, string(te.Status)).Inc()
		c.mu.Lock()
		start, ok := c.started[te.ID]
		delete(c.started, te.ID)
		c.mu.Unlock()
		if ok {
			c.inFlight.Dec()
			c.duration.WithLabelValues(te.TaskType).Observe(e.Time.Sub(start).Seconds())
		}
	case runner.EventRescheduled:
		c.rescheduled.WithLabelValues(te.TaskType).Inc()
	}
}
