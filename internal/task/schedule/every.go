package schedule

import (
	"fmt"
	"time"
)

// Every matches instants whose wall-clock minute offset from an anchor is a
// whole multiple of a fixed interval.
//
// Matching happens on local wall-clock minutes (in the anchor's location) while
// the search advances in absolute minutes. Across a spring-forward gap the
// skipped wall-clock hour never occurs, so occurrences inside it are skipped;
// across a fall-back overlap the repeated hour is seen twice.
type Every struct {
	anchor   time.Time
	interval Duration
	minutes  int64
}

// NewEvery builds an interval schedule. The interval must be a whole number of
// minutes, at least one.
func NewEvery(interval Duration, anchor time.Time) (*Every, error) {
	if interval < 60 || interval%60 != 0 {
		return nil, fmt.Errorf("%w: interval %s must be a positive whole number of minutes", ErrParse, interval)
	}
	if anchor.IsZero() {
		return nil, fmt.Errorf("%w: interval schedule needs an anchor", ErrParse)
	}
	return &Every{
		anchor:   anchor.Truncate(time.Minute),
		interval: interval,
		minutes:  int64(interval) / 60,
	}, nil
}

// ParseEvery is NewEvery with a textual interval ("1w", "90m", "3600").
func ParseEvery(interval string, anchor time.Time) (*Every, error) {
	d, err := ParseDuration(interval)
	if err != nil {
		return nil, err
	}
	return NewEvery(d, anchor)
}

func (e *Every) Anchor() time.Time  { return e.anchor }
func (e *Every) Interval() Duration { return e.interval }

func (e *Every) String() string {
	return "every " + e.interval.String() + " from " + e.anchor.Format(time.RFC3339)
}

// First is Next with the default one-year window.
func (e *Every) First(after time.Time) (time.Time, error) {
	return e.Next(after, time.Time{})
}

func (e *Every) Match(t time.Time) bool {
	diff := wallMinute(t.In(e.anchor.Location())) - wallMinute(e.anchor)
	return diff >= 0 && diff%e.minutes == 0
}

func (e *Every) Next(after, until time.Time) (time.Time, error) {
	return scan(after, until, e.Match)
}

// wallMinute counts wall-clock minutes since the Unix epoch, ignoring the
// zone offset.
func wallMinute(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, time.UTC).Unix() / 60
}
