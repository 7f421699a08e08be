package storage

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("task not found")
)

const (
	DefaultBackend = "default"
	DefaultQueue   = "default"
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process map, lost on exit
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
//
// If Driver is empty or "none", Open returns ErrDisabled.
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means 5s
	MaxOpenConns int           // postgres only; 0 means driver default
}

type Status string

const (
	StatusReady      Status = "READY"
	StatusRunning    Status = "RUNNING"
	StatusSuccessful Status = "SUCCESSFUL"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool { return s == StatusSuccessful || s == StatusFailed }

// Task is one persisted unit of work.
type Task struct {
	ID       string         `json:"id"`
	TaskType string         `json:"task_type"`
	Args     []any          `json:"args"`
	Kwargs   map[string]any `json:"kwargs"`
	Backend  string         `json:"backend"`
	Queue    string         `json:"queue"`
	Priority int            `json:"priority"`
	Status   Status         `json:"status"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	// RunAfter is the earliest claim time; zero means immediately.
	RunAfter   time.Time `json:"run_after,omitzero"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	Periodic  bool     `json:"periodic"`
	WorkerIDs []string `json:"worker_ids,omitempty"`

	ReturnValue  json.RawMessage `json:"return_value,omitempty"`
	ErrorClass   string          `json:"error_class,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// NewTask describes a record to insert in the READY state.
type NewTask struct {
	TaskType string
	Args     []any
	Kwargs   map[string]any
	Backend  string
	Queue    string
	Priority int
	RunAfter time.Time
	Periodic bool
	// EnqueuedAt defaults to the current time.
	EnqueuedAt time.Time
}

type ClaimRequest struct {
	Max      int
	Backend  string
	Queues   []string
	WorkerID string
	Now      time.Time
}

// Outcome is the terminal state written by Finish.
type Outcome struct {
	Status       Status
	FinishedAt   time.Time
	ReturnValue  json.RawMessage
	ErrorClass   string
	ErrorMessage string
}

type ListFilter struct {
	Backend  string
	TaskType string
	Statuses []Status
	Periodic *bool
	Limit    int
}

// PurgeFilter narrows DeleteTerminalOlderThan. An empty TaskType matches every
// type not listed in Exclude.
type PurgeFilter struct {
	TaskType string
	Exclude  []string
}

// Store is the task repository used by the runner.
type Store interface {
	// Claim atomically moves up to Max ready tasks to RUNNING, stamping
	// StartedAt and appending WorkerID, and returns them in priority order.
	Claim(ctx context.Context, req ClaimRequest) ([]Task, error)
	Insert(ctx context.Context, t NewTask) (Task, error)
	// ResetPeriodic deletes every READY periodic task of backend and inserts
	// tasks in the same transaction.
	ResetPeriodic(ctx context.Context, backend string, tasks []NewTask) ([]Task, error)
	// DeletePendingPeriodic deletes READY periodic tasks of backend, limited to
	// taskType unless it is empty.
	DeletePendingPeriodic(ctx context.Context, backend, taskType string) (int64, error)
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, f PurgeFilter) (int64, error)
	Finish(ctx context.Context, id string, o Outcome) error
	Get(ctx context.Context, id string) (Task, error)
	List(ctx context.Context, f ListFilter) ([]Task, error)
	Close() error
}

func (n NewTask) normalize(now time.Time) (NewTask, error) {
	if n.TaskType == "" {
		return n, errors.New("task type is required")
	}
	if n.Backend == "" {
		n.Backend = DefaultBackend
	}
	if n.Queue == "" {
		n.Queue = DefaultQueue
	}
	if n.EnqueuedAt.IsZero() {
		n.EnqueuedAt = now
	}
	return n, nil
}

func (r ClaimRequest) normalize() ClaimRequest {
	if r.Backend == "" {
		r.Backend = DefaultBackend
	}
	if len(r.Queues) == 0 {
		r.Queues = []string{DefaultQueue}
	}
	if r.Now.IsZero() {
		r.Now = time.Now()
	}
	return r
}

func (f ListFilter) matches(t *Task) bool {
	if f.Backend != "" && t.Backend != f.Backend {
		return false
	}
	if f.TaskType != "" && t.TaskType != f.TaskType {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if f.Periodic != nil && t.Periodic != *f.Periodic {
		return false
	}
	return true
}

func (f PurgeFilter) matches(taskType string) bool {
	if f.TaskType != "" {
		return taskType == f.TaskType
	}
	return !slices.Contains(f.Exclude, taskType)
}

// encodeArgs normalizes args and kwargs through JSON so every driver hands
// back the same shapes (numbers as float64, nil as empty).
func encodeArgs(args []any, kwargs map[string]any) (string, string, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	a, err := json.Marshal(args)
	if err != nil {
		return "", "", err
	}
	k, err := json.Marshal(kwargs)
	if err != nil {
		return "", "", err
	}
	return string(a), string(k), nil
}

func decodeArgs(a, k string) ([]any, map[string]any, error) {
	args := []any{}
	kwargs := map[string]any{}
	if a != "" {
		if err := json.Unmarshal([]byte(a), &args); err != nil {
			return nil, nil, err
		}
	}
	if k != "" {
		if err := json.Unmarshal([]byte(k), &kwargs); err != nil {
			return nil, nil, err
		}
	}
	return args, kwargs, nil
}
