// Package app wires configuration, logging, storage and the task runner into
// one process with live config reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"dbtasks/internal/eventbus"
	"dbtasks/internal/observability/debug"
	"dbtasks/internal/observability/metrics"
	"dbtasks/internal/storage"
	"dbtasks/internal/task/registry"
	"dbtasks/internal/task/runner"
	"dbtasks/pkg/logx"
	"dbtasks/pkg/systemd"
)

type App struct {
	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *registry.Registry

	runner  *runner.Runner
	runDone chan struct{}
	// anchors is only touched by build and applyConfig.
	anchors anchorBook

	metrics *metrics.Collector
	debug   *debug.Service
	notify  systemd.Notifier

	now func() time.Time
}

// New loads the config at cfgPath and builds every component. Task types
// must already be registered in reg: periodic entries are checked against it.
func New(cfgPath string, reg *registry.Registry) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, reg)
}

func build(cfgm *ConfigManager, cfg *Config, reg *registry.Registry) (*App, error) {
	if reg == nil {
		reg = registry.New()
	}
	if err := checkRegistered(cfg.Periodic, reg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	bus := eventbus.New()

	store, err := OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}

	rc, anchors, err := mapRunnerConfig(cfg, time.Now())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	r, err := runner.New(rc, store, reg, log, bus)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	dc, err := mapDebugConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		runner:  r,
		runDone: make(chan struct{}),
		anchors: anchors,
		metrics: metrics.New(),
		now:     time.Now,
	}
	a.debug = debug.New(dc, debug.Sources{
		Status:  func() any { return a.Status() },
		Metrics: a.metrics.Handler(),
		Task:    store.Get,
	}, log)
	return a, nil
}

// OpenStore opens the task store described by cfg.Storage.
func OpenStore(cfg *Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		if errors.Is(err, storage.ErrDisabled) {
			return nil, fmt.Errorf("a task store is required: %w", err)
		}
		return nil, err
	}
	log.Debug("storage opened", logx.String("driver", sc.Driver))
	return store, nil
}

func (a *App) Runner() *runner.Runner { return a.runner }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Bus() eventbus.Bus { return a.bus }

// SetNotifier makes config reloads report RELOADING=1 and then READY=1 to
// the service manager. Call it before Start.
func (a *App) SetNotifier(n systemd.Notifier) { a.notify = n }

// DebugAddr is the debug server's bound address, empty when it is off.
func (a *App) DebugAddr() string { return a.debug.Addr() }

// Status is what the debug server reports on /status.
type Status struct {
	Runner        runner.Snapshot     `json:"runner"`
	Supervisor    *SupervisorSnapshot `json:"supervisor,omitempty"`
	EventsDropped uint64              `json:"events_dropped"`
}

func (a *App) Status() Status {
	st := Status{Runner: a.runner.Snapshot(), EventsDropped: a.bus.Dropped()}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		st.Supervisor = &snap
	}
	return st
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the task runner, the event consumers, the optional debug server
// and the config watcher under one supervisor. A runner error cancels the whole app.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// Reloads are validated against the registry before they are committed.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if err := checkRegistered(cfg.Periodic, a.reg); err != nil {
			return err
		}
		_, _, err := mapPeriodic(cfg.Periodic, a.now(), nil)
		return err
	})

	a.sup.Go("runner", func(c context.Context) error {
		defer close(a.runDone)
		return a.runner.Run(c)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus) })

	dc, err := mapDebugConfig(a.cfgm.Get())
	if err != nil {
		return err
	}
	a.debug.Reconfigure(a.sup.Context(), dc)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Any("task_types", a.reg.Types()))
	return nil
}

// applyConfig applies the live-reloadable parts of newCfg: logging, the
// debug server and the periodic schedule set.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	ch := SummarizeConfigChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if a.notify != nil {
		_, _ = systemd.Reloading(a.notify)
		defer func() { _, _ = systemd.Ready(a.notify) }()
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Debug("config change summary", fields...)

	if ch.NeedsRestart {
		a.log.Warn("storage or runner config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if slices.Contains(ch.Sections, "debug") {
		if dc, err := mapDebugConfig(newCfg); err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		} else {
			a.debug.Reconfigure(ctx, dc)
		}
	}

	if len(ch.Periodic) > 0 {
		defs, anchors, err := mapPeriodic(newCfg.Periodic, a.now(), a.anchors)
		if err != nil {
			a.log.Warn("invalid periodic config; keeping previous", logx.Err(err))
		} else if err := a.runner.ApplyPeriodic(ctx, defs); err != nil {
			a.log.Error("applying periodic schedules failed", logx.Err(err))
		} else {
			a.anchors = anchors
		}
	}

	a.log.Info("config reloaded", fields...)
}

// Stop shuts the app down: the runner finishes in-flight tasks, then the
// store is closed and supervised goroutines are awaited.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop dispatch before cancelling so Run drains instead of racing ctx.
	a.runner.Stop()
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// No upper bound here beyond ctx: claimed tasks are RUNNING in the store
	// and should be allowed to finish.
	step("runner", 0, func(c context.Context) error {
		select {
		case <-a.runDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("debug", 2*time.Second, func(c context.Context) error {
		a.debug.Stop(c)
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.Int("processed", a.runner.Processed()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
