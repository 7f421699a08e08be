package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Five-field parser plus "@yearly", "@monthly", "@weekly", "@daily",
// "@midnight" and "@hourly".
var descriptorParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Descriptor is a named schedule evaluated by robfig/cron.
type Descriptor struct {
	spec  string
	sched cron.Schedule
}

func ParseDescriptor(spec string) (*Descriptor, error) {
	s := strings.TrimSpace(spec)
	if !strings.HasPrefix(s, "@") {
		return nil, fmt.Errorf("%w: descriptor %q must start with '@'", ErrParse, spec)
	}
	sched, err := descriptorParser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: descriptor %q: %v", ErrParse, spec, err)
	}
	return &Descriptor{spec: s, sched: sched}, nil
}

func (d *Descriptor) String() string { return d.spec }

func (d *Descriptor) Match(t time.Time) bool {
	m := t.Truncate(time.Minute)
	return d.sched.Next(m.Add(-time.Second)).Equal(m)
}

func (d *Descriptor) Next(after, until time.Time) (time.Time, error) {
	after, until = window(after, until)
	n := d.sched.Next(after)
	if n.IsZero() || !n.Before(until) {
		return time.Time{}, fmt.Errorf("%w: no match before %s", ErrExhausted, until.Format(time.RFC3339))
	}
	return n, nil
}
