package runner

import "errors"

var (
	// ErrConfig wraps every validation failure reported by New.
	ErrConfig         = errors.New("runner: invalid config")
	ErrAlreadyStarted = errors.New("runner: already started")
	ErrStopped        = errors.New("runner: stopped")
	ErrNilTask        = errors.New("runner: nil task")
)
