package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Kind describes which schedule implementation a spec string selects.
type Kind int

const (
	KindCrontab Kind = iota
	KindEvery
	KindDescriptor
)

func (k Kind) String() string {
	switch k {
	case KindCrontab:
		return "crontab"
	case KindEvery:
		return "every"
	case KindDescriptor:
		return "descriptor"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Parse builds a Schedule from a spec string.
//
// Supported forms:
//   - Crontab: "30 4 1,15 * *", "~ * * * *"
//   - Interval: "every 1h", "every:2w3d", "@every 90m"
//   - Descriptor: "@daily", "@hourly", "@weekly", ...
//
// Optional prefix "cron:" forces crontab parsing.
//
// anchor only applies to interval schedules; a zero anchor means local
// midnight of the current day, which keeps occurrences aligned across restarts.
func Parse(raw string, anchor time.Time) (Schedule, error) {
	kind, body, err := classify(raw)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindEvery:
		if anchor.IsZero() {
			y, m, d := time.Now().Date()
			anchor = time.Date(y, m, d, 0, 0, 0, 0, time.Local)
		}
		return ParseEvery(body, anchor)
	case KindDescriptor:
		return ParseDescriptor(body)
	default:
		return ParseCrontab(body)
	}
}

// MustParse panics on a malformed spec.
func MustParse(raw string) Schedule {
	s, err := Parse(raw, time.Time{})
	if err != nil {
		panic(err)
	}
	return s
}

func classify(raw string) (Kind, string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, "", fmt.Errorf("%w: schedule required", ErrParse)
	}
	low := strings.ToLower(s)

	for _, prefix := range []string{"@every ", "every:", "every "} {
		if strings.HasPrefix(low, prefix) {
			body := strings.TrimSpace(s[len(prefix):])
			if body == "" {
				return 0, "", fmt.Errorf("%w: interval required after %q", ErrParse, strings.TrimSpace(prefix))
			}
			return KindEvery, body, nil
		}
	}
	if strings.HasPrefix(low, "cron:") {
		return KindCrontab, strings.TrimSpace(s[len("cron:"):]), nil
	}
	if strings.HasPrefix(s, "@") {
		return KindDescriptor, s, nil
	}
	return KindCrontab, s, nil
}
