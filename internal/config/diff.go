package config

import (
	"maps"
	"reflect"
	"slices"
	"strings"

	"dbtasks/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists the top-level sections that changed.
	Sections []string
	// Fields are safe structured attrs for logging; the DSN is never included.
	Fields []logx.Field
	// Periodic lists task types whose periodic entry was added, removed or
	// changed.
	Periodic []string
	// NeedsRestart is set when storage or runner settings changed; those are
	// only read at startup.
	NeedsRestart bool
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares oldCfg and newCfg. Nil configs count as
// zero values.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	olds, news := oldCfg.Storage, newCfg.Storage
	if olds != news {
		ch.Sections = append(ch.Sections, "storage")
		ch.NeedsRestart = true
		ch.Fields = append(ch.Fields,
			logx.String("storage.driver", strings.TrimSpace(news.Driver)),
			logx.String("storage.path", strings.TrimSpace(news.Path)),
			logx.Bool("storage.dsn_changed", olds.DSN != news.DSN),
		)
	}

	if !reflect.DeepEqual(oldCfg.Runner, newCfg.Runner) {
		ch.Sections = append(ch.Sections, "runner")
		ch.NeedsRestart = true
		ch.Fields = append(ch.Fields,
			logx.Int("runner.workers", newCfg.Runner.Workers),
			logx.String("runner.backend", newCfg.Runner.Backend),
			logx.Any("runner.queues", newCfg.Runner.Queues),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		ch.Sections = append(ch.Sections, "debug")
		ch.Fields = append(ch.Fields,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	ch.Periodic = diffPeriodic(oldCfg.Periodic, newCfg.Periodic)
	if len(ch.Periodic) > 0 {
		ch.Sections = append(ch.Sections, "periodic")
		ch.Fields = append(ch.Fields,
			logx.Int("periodic.count", countEnabled(newCfg.Periodic)),
			logx.Any("periodic.changed", ch.Periodic),
		)
	}
	return ch
}

func countEnabled(m map[string]PeriodicConfig) int {
	n := 0
	for _, p := range m {
		if !p.Disabled {
			n++
		}
	}
	return n
}

func diffPeriodic(oldM, newM map[string]PeriodicConfig) []string {
	keys := map[string]struct{}{}
	for k := range oldM {
		keys[k] = struct{}{}
	}
	for k := range newM {
		keys[k] = struct{}{}
	}
	var out []string
	for _, k := range slices.Sorted(maps.Keys(keys)) {
		o, okOld := oldM[k]
		n, okNew := newM[k]
		if okOld != okNew || !reflect.DeepEqual(o, n) {
			out = append(out, k)
		}
	}
	return out
}
