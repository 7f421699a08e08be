package app

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"dbtasks/internal/config"
	"dbtasks/internal/observability/debug"
	"dbtasks/internal/storage"
	"dbtasks/internal/task/periodic"
	"dbtasks/internal/task/registry"
	"dbtasks/internal/task/runner"
	"dbtasks/internal/task/schedule"
	"dbtasks/pkg/logx"
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig turns the storage section into a storage.Config. An
// empty driver selects the in-memory store.
func mapStorageConfig(cfg *Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

// mapRunnerConfig builds the runner settings, periodic schedules included,
// and the anchor book for later reloads.
func mapRunnerConfig(cfg *Config, now time.Time) (runner.Config, anchorBook, error) {
	rc := cfg.Runner
	poll, err := config.ParseDurationField("runner.poll_interval", rc.PollInterval)
	if err != nil {
		return runner.Config{}, nil, err
	}
	timeout, err := config.ParseDurationField("runner.task_timeout", rc.TaskTimeout)
	if err != nil {
		return runner.Config{}, nil, err
	}
	retain, err := config.ParseRetainField("runner.retain", rc.Retain)
	if err != nil {
		return runner.Config{}, nil, err
	}
	out := runner.Config{
		Workers:         rc.Workers,
		WorkerID:        strings.TrimSpace(rc.WorkerID),
		PollInterval:    poll,
		Backend:         strings.TrimSpace(rc.Backend),
		Queues:          slices.Clone(rc.Queues),
		TaskTimeout:     timeout,
		Retain:          retain,
		CleanupSchedule: strings.TrimSpace(rc.CleanupSchedule),
	}
	if len(rc.RetainByType) > 0 {
		out.RetainByType = map[string]schedule.Duration{}
		for typ, raw := range rc.RetainByType {
			d, err := config.ParseRetainField("runner.retain_by_type."+typ, raw)
			if err != nil {
				return runner.Config{}, nil, err
			}
			out.RetainByType[typ] = d
		}
	}
	var book anchorBook
	out.Periodic, book, err = mapPeriodic(cfg.Periodic, now, nil)
	if err != nil {
		return runner.Config{}, nil, err
	}
	return out, book, nil
}

// anchorBook records the implicit anchor chosen for each interval entry that
// has no explicit one. Passing the previous book to mapPeriodic keeps an
// unchanged entry on its original phase instead of re-anchoring it at the
// reload day's midnight.
type anchorBook map[string]pinnedAnchor

type pinnedAnchor struct {
	schedule string
	at       time.Time
}

func (b anchorBook) anchor(typ string, pc config.PeriodicConfig, now time.Time) (time.Time, bool, error) {
	if strings.TrimSpace(pc.Anchor) != "" {
		at, err := pc.AnchorTime(now)
		return at, false, err
	}
	if p, ok := b[typ]; ok && p.schedule == strings.TrimSpace(pc.Schedule) {
		return p.at, true, nil
	}
	at, err := pc.AnchorTime(now)
	return at, true, err
}

// mapPeriodic builds the enabled periodic schedules. Interval schedules
// without an anchor take it from prev when their text is unchanged, else
// local midnight of now's day. The returned book holds those implicit
// anchors for the next call.
func mapPeriodic(entries map[string]config.PeriodicConfig, now time.Time, prev anchorBook) (map[string]*periodic.Periodic, anchorBook, error) {
	out := make(map[string]*periodic.Periodic, len(entries))
	book := anchorBook{}
	for _, typ := range slices.Sorted(maps.Keys(entries)) {
		pc := entries[typ]
		if pc.Disabled {
			continue
		}
		anchor, implicit, err := prev.anchor(typ, pc, now)
		if err != nil {
			return nil, nil, fmt.Errorf("periodic.%s: %w", typ, err)
		}
		opts := []periodic.Option{
			periodic.WithArgs(periodic.FixedArgs(pc.Args...)),
			periodic.WithKwargs(periodic.FixedKwargs(pc.Kwargs)),
		}
		if strings.TrimSpace(pc.Retain) != "" {
			d, err := config.ParseRetainField("periodic."+typ+".retain", pc.Retain)
			if err != nil {
				return nil, nil, err
			}
			opts = append(opts, periodic.WithRetain(d))
		}
		p, err := periodic.Parse(pc.Schedule, anchor, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("periodic.%s: %w", typ, err)
		}
		out[typ] = p
		if implicit {
			book[typ] = pinnedAnchor{schedule: strings.TrimSpace(pc.Schedule), at: anchor}
		}
	}
	return out, book, nil
}

// checkRegistered rejects periodic entries naming unknown task types.
func checkRegistered(entries map[string]config.PeriodicConfig, reg *registry.Registry) error {
	var missing []string
	for typ, pc := range entries {
		if !pc.Disabled && !reg.Has(typ) {
			missing = append(missing, typ)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("periodic task types not registered: %s", strings.Join(missing, ", "))
	}
	return nil
}

func mapDebugConfig(cfg *Config) (debug.Config, error) {
	d := cfg.Debug
	read, err := config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 60*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          read,
		IdleTimeout:          idle,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}, nil
}
