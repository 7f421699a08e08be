package config

import (
	"fmt"
	"strings"
	"time"

	"dbtasks/internal/task/schedule"
)

// ParseDurationField reads a config duration at path. Go syntax ("500ms",
// "1h30m") is tried first, then the day/week syntax ("2d", "1w") used by
// schedules. Empty yields 0; negatives are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		cd, cerr := schedule.ParseDuration(s)
		if cerr != nil {
			return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
		}
		d = cd.Std()
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseRetainField parses a retention window in whole seconds. Unlike the
// fields above it must be positive when set.
func ParseRetainField(path, raw string) (schedule.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := schedule.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", path, err)
	case d <= 0:
		return 0, fmt.Errorf("%s: retention must be > 0", path)
	}
	return d, nil
}
