package engine

import (
	"context"
	"time"
)

// Config controls the worker pool.
type Config struct {
	Workers int
	// QueueSize bounds submitted-but-not-started work. It defaults to Workers,
	// which is all a caller that never over-submits needs.
	QueueSize int
	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration
	HistorySize    int
}

// Task is a unit of work executed by the engine.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is published on the event bus when the engine drops work.
// EventDropped is published when a full queue refuses a task.
const EventDropped = "engine.dropped"

type TaskEvent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool
	Workers   int
	QueueLen  int
	QueueCap  int
	Busy      int
	Completed uint64
	Failed    uint64
	Dropped   uint64
	History   []HistoryItem
}
