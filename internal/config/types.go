package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Runner  RunnerConfig  `json:"runner"`
	Debug   DebugConfig   `json:"debug"`

	// Periodic maps a registered task type to its schedule. Changes here are
	// applied to a running process without a restart.
	Periodic map[string]PeriodicConfig `json:"periodic,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`

	// Format is "console" (default) or "json" for the stdout sink.
	Format string `json:"format,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the task store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./dbtasks.db" }
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	// DSN is the postgres connection string. Never logged.
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// RunnerConfig controls the task runner.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - worker_id: host name
//   - poll_interval: "500ms"
//   - backend: "default"
//   - queues: ["default"]
//   - task_timeout: "0s" (disabled)
//   - retain: "" (no cleanup)
//   - cleanup_schedule: "~ * * * *"
type RunnerConfig struct {
	Workers  int    `json:"workers,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`

	// PollInterval and TaskTimeout are Go duration strings.
	PollInterval string   `json:"poll_interval,omitempty"`
	Backend      string   `json:"backend,omitempty"`
	Queues       []string `json:"queues,omitempty"`
	TaskTimeout  string   `json:"task_timeout,omitempty"`

	// Retain and RetainByType use the compound duration syntax ("7d", "1d12h").
	Retain          string            `json:"retain,omitempty"`
	RetainByType    map[string]string `json:"retain_by_type,omitempty"`
	CleanupSchedule string            `json:"cleanup_schedule,omitempty"`
}

// DebugConfig controls the optional HTTP server exposing /healthz, /status,
// /tasks/{id}, /metrics and /debug/pprof/. Changes apply without a restart.
//
// Example:
//
//	"debug": { "enabled": true, "addr": "127.0.0.1:6060", "token": "..." }
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// PeriodicConfig is one scheduled task type.
//
// Schedule is a crontab ("*/5 * * * *"), a descriptor ("@daily") or an
// interval ("every 1w", "@every 90m") counted from Anchor.
type PeriodicConfig struct {
	Schedule string `json:"schedule"`
	// Anchor is an RFC 3339 time for interval schedules. Empty means local
	// midnight of the day the entry was first loaded; reloads that leave the
	// schedule text unchanged keep that anchor.
	Anchor string         `json:"anchor,omitempty"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
	// Retain overrides runner.retain for this task type.
	Retain string `json:"retain,omitempty"`
	// Disabled keeps the entry in the file without scheduling it.
	Disabled bool `json:"disabled,omitempty"`
}

// UnmarshalJSON rejects unknown keys inside a periodic entry so typos in
// hand-edited schedules fail the reload instead of being ignored.
func (p *PeriodicConfig) UnmarshalJSON(b []byte) error {
	type plain PeriodicConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t plain
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PeriodicConfig(t)
	return nil
}
