package schedule

import (
	"errors"
	"fmt"
	"iter"
	"time"
)

var (
	// ErrParse wraps every malformed cron, duration or descriptor spec.
	ErrParse = errors.New("schedule: parse error")
	// ErrExhausted is returned by Next when nothing matches inside the search window.
	ErrExhausted = errors.New("schedule: exhausted")
)

// Schedule answers "does this instant match?" and "what is the next matching
// instant after X, before Y?".
type Schedule interface {
	Match(t time.Time) bool
	// Next returns the first matching instant strictly after after and strictly
	// before until. A zero after means now; a zero until means one year after
	// after.
	Next(after, until time.Time) (time.Time, error)
	String() string
}

func window(after, until time.Time) (time.Time, time.Time) {
	if after.IsZero() {
		after = time.Now()
	}
	if until.IsZero() {
		until = after.AddDate(1, 0, 0)
	}
	return after, until
}

// scan walks forward one absolute minute at a time. The returned instant has
// seconds and sub-seconds zeroed.
func scan(after, until time.Time, match func(time.Time) bool) (time.Time, error) {
	after, until = window(after, until)
	t := after
	for t.Before(until) {
		t = t.Add(time.Minute)
		if t.Before(until) && match(t) {
			return t.Truncate(time.Minute), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: no match before %s", ErrExhausted, until.Format(time.RFC3339))
}

// Dates yields successive matches of s, each one found by calling Next with the
// previous result. The sequence ends when Next is exhausted. With a zero until
// every call searches one year ahead of its own start, so the sequence only
// ends for schedules that stop matching altogether.
func Dates(s Schedule, after, until time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		d := after
		for {
			next, err := s.Next(d, until)
			if err != nil {
				return
			}
			if !yield(next) {
				return
			}
			d = next
		}
	}
}
