package config

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"strings"
	"time"

	"dbtasks/internal/task/schedule"
	"dbtasks/pkg/logx"
)

// Validate checks every field that can be checked without the task
// registry. Errors are joined so one reload reports all problems.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" {
		if _, err := logx.ParseLevel(lvl); err != nil {
			errs = append(errs, fmt.Errorf("logging.level: %w", err))
		}
	}

	if !logx.ValidFormat(c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none", "memory", "mem":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.MaxOpenConns < 0 {
		errs = append(errs, errors.New("storage.max_open_conns must be >= 0"))
	}

	r := c.Runner
	if r.Workers < 0 {
		errs = append(errs, errors.New("runner.workers must be >= 0"))
	}
	if _, err := ParseDurationField("runner.poll_interval", r.PollInterval); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("runner.task_timeout", r.TaskTimeout); err != nil {
		errs = append(errs, err)
	}
	if slices.ContainsFunc(r.Queues, func(q string) bool { return strings.TrimSpace(q) == "" }) {
		errs = append(errs, errors.New("runner.queues: empty queue name"))
	}
	if _, err := ParseRetainField("runner.retain", r.Retain); err != nil {
		errs = append(errs, err)
	}
	for _, typ := range slices.Sorted(maps.Keys(r.RetainByType)) {
		if _, err := ParseRetainField("runner.retain_by_type."+typ, r.RetainByType[typ]); err != nil {
			errs = append(errs, err)
		}
	}
	if cs := strings.TrimSpace(r.CleanupSchedule); cs != "" {
		if _, err := schedule.Parse(cs, time.Now()); err != nil {
			errs = append(errs, fmt.Errorf("runner.cleanup_schedule: %w", err))
		}
	}

	d := c.Debug
	if d.Addr != "" {
		if _, _, err := net.SplitHostPort(d.Addr); err != nil {
			errs = append(errs, fmt.Errorf("debug.addr: %w", err))
		}
	}
	if _, err := ParseDurationField("debug.read_timeout", d.ReadTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("debug.idle_timeout", d.IdleTimeout); err != nil {
		errs = append(errs, err)
	}
	if d.MutexProfileFraction < 0 || d.BlockProfileRate < 0 {
		errs = append(errs, errors.New("debug profile rates must be >= 0"))
	}

	for _, typ := range slices.Sorted(maps.Keys(c.Periodic)) {
		if err := c.Periodic[typ].validate(); err != nil {
			errs = append(errs, fmt.Errorf("periodic.%s: %w", typ, err))
		}
	}
	return errors.Join(errs...)
}

func (p PeriodicConfig) validate() error {
	if strings.TrimSpace(p.Schedule) == "" {
		return errors.New("schedule is required")
	}
	anchor, err := p.AnchorTime(time.Now())
	if err != nil {
		return err
	}
	if _, err := schedule.Parse(p.Schedule, anchor); err != nil {
		return err
	}
	if _, err := ParseRetainField("retain", p.Retain); err != nil {
		return err
	}
	return nil
}

// AnchorTime parses Anchor, or returns local midnight of now's day when it
// is empty.
func (p PeriodicConfig) AnchorTime(now time.Time) (time.Time, error) {
	s := strings.TrimSpace(p.Anchor)
	if s == "" {
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("anchor: %w", err)
	}
	return t, nil
}
