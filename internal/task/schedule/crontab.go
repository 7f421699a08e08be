package schedule

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"time"
)

var monthNames = map[string]int{
	"jan": 1,
	"feb": 2,
	"mar": 3,
	"apr": 4,
	"may": 5,
	"jun": 6,
	"jul": 7,
	"aug": 8,
	"sep": 9,
	"oct": 10,
	"nov": 11,
	"dec": 12,
}

// ISO weekday numbering; Sunday is 7.
var weekdayNames = map[string]int{
	"mon": 1,
	"tue": 2,
	"wed": 3,
	"thu": 4,
	"fri": 5,
	"sat": 6,
	"sun": 7,
}

// Field parses one crontab field into its resolved, sorted value set.
type Field struct {
	name     string
	min, max int
	// names are keyed by their lowercase three-letter prefix.
	names map[string]int
	// sunday0 folds 0 into 7 so both spellings of Sunday resolve the same.
	sunday0 bool
}

var (
	Minute  = Field{name: "minute", min: 0, max: 59}
	Hour    = Field{name: "hour", min: 0, max: 23}
	Day     = Field{name: "day", min: 1, max: 31}
	Month   = Field{name: "month", min: 1, max: 12, names: monthNames}
	Weekday = Field{name: "weekday", min: 0, max: 7, names: weekdayNames, sunday0: true}
)

// Parse resolves a comma-separated list of atoms. The result is never empty,
// ascending and free of duplicates.
func (f Field) Parse(spec string) ([]int, error) {
	seen := make(map[int]struct{})
	for _, part := range strings.Split(spec, ",") {
		vals, err := f.parsePart(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			if f.sunday0 && v == 0 {
				v = 7
			}
			seen[v] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("%w: %s field %q resolves to no values", ErrParse, f.name, spec)
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	slices.Sort(out)
	return out, nil
}

func (f Field) parsePart(part string) ([]int, error) {
	if value, rawStep, ok := strings.Cut(part, "/"); ok {
		step, err := strconv.Atoi(rawStep)
		if err != nil {
			return nil, fmt.Errorf("%w: %s field: invalid step %q", ErrParse, f.name, rawStep)
		}
		if step < 1 || step < f.min || step > f.max {
			return nil, fmt.Errorf("%w: %s field: step %d is not in the range %d-%d", ErrParse, f.name, step, f.min, f.max)
		}
		vals, err := f.parsePart(value)
		if err != nil {
			return nil, err
		}
		// Stepping walks the resolved list, not the field's natural stride.
		out := make([]int, 0, len(vals)/step+1)
		for i := 0; i < len(vals); i += step {
			out = append(out, vals[i])
		}
		return out, nil
	}

	switch {
	case part == "*":
		out := make([]int, 0, f.max-f.min+1)
		for v := f.min; v <= f.max; v++ {
			out = append(out, v)
		}
		return out, nil
	case part == "~":
		return []int{f.min + rand.IntN(f.max-f.min+1)}, nil
	case strings.Contains(part, "-"):
		rawLo, rawHi, _ := strings.Cut(part, "-")
		lo, err := f.value(rawLo)
		if err != nil {
			return nil, err
		}
		hi, err := f.value(rawHi)
		if err != nil {
			return nil, err
		}
		if lo > hi {
			return nil, fmt.Errorf("%w: %s field: %d-%d is not a valid range (%d > %d)", ErrParse, f.name, lo, hi, lo, hi)
		}
		out := make([]int, 0, hi-lo+1)
		for v := lo; v <= hi; v++ {
			out = append(out, v)
		}
		return out, nil
	}

	v, err := f.value(part)
	if err != nil {
		return nil, err
	}
	return []int{v}, nil
}

func (f Field) value(part string) (int, error) {
	if isDigits(part) {
		n, err := strconv.Atoi(part)
		if err != nil || n < f.min || n > f.max {
			return 0, fmt.Errorf("%w: %s field: %s is not in the range %d-%d", ErrParse, f.name, part, f.min, f.max)
		}
		return n, nil
	}
	key := strings.ToLower(part)
	if len(key) > 3 {
		key = key[:3]
	}
	if v, ok := f.names[key]; ok && key != "" {
		return v, nil
	}
	return 0, fmt.Errorf("%w: %s field: could not parse value %q", ErrParse, f.name, part)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Crontab is a parsed five-field cron spec. Random picks ("~") are resolved
// once at parse time and fixed for the lifetime of the value.
type Crontab struct {
	spec string

	minutes, hours, days, months, weekdays []int

	minuteBits, hourBits, dayBits, monthBits, weekdayBits uint64

	// Set when the field text was not "*". When both are set, day-of-month and
	// weekday match disjunctively.
	specifiesDay     bool
	specifiesWeekday bool
}

// ParseCrontab parses "minute hour day month weekday".
func ParseCrontab(spec string) (*Crontab, error) {
	parts := strings.Fields(spec)
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: crontab %q must have 5 fields, got %d", ErrParse, spec, len(parts))
	}
	c := &Crontab{
		spec:             strings.Join(parts, " "),
		specifiesDay:     parts[2] != "*",
		specifiesWeekday: parts[4] != "*",
	}
	fields := []struct {
		f    Field
		raw  string
		dst  *[]int
		bits *uint64
	}{
		{Minute, parts[0], &c.minutes, &c.minuteBits},
		{Hour, parts[1], &c.hours, &c.hourBits},
		{Day, parts[2], &c.days, &c.dayBits},
		{Month, parts[3], &c.months, &c.monthBits},
		{Weekday, parts[4], &c.weekdays, &c.weekdayBits},
	}
	for _, fd := range fields {
		vals, err := fd.f.Parse(fd.raw)
		if err != nil {
			return nil, fmt.Errorf("crontab %q: %w", spec, err)
		}
		*fd.dst = vals
		for _, v := range vals {
			*fd.bits |= 1 << uint(v)
		}
	}
	return c, nil
}

// MustParseCrontab panics on a malformed spec.
func MustParseCrontab(spec string) *Crontab {
	c, err := ParseCrontab(spec)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Crontab) String() string { return c.spec }

func (c *Crontab) Minutes() []int  { return slices.Clone(c.minutes) }
func (c *Crontab) Hours() []int    { return slices.Clone(c.hours) }
func (c *Crontab) Days() []int     { return slices.Clone(c.days) }
func (c *Crontab) Months() []int   { return slices.Clone(c.months) }
func (c *Crontab) Weekdays() []int { return slices.Clone(c.weekdays) }

// Match reports whether t (in its own location) matches the spec. Seconds are
// ignored.
func (c *Crontab) Match(t time.Time) bool {
	if !hasBit(c.minuteBits, t.Minute()) || !hasBit(c.hourBits, t.Hour()) || !hasBit(c.monthBits, int(t.Month())) {
		return false
	}
	day := hasBit(c.dayBits, t.Day())
	weekday := hasBit(c.weekdayBits, isoWeekday(t))
	if c.specifiesDay && c.specifiesWeekday {
		return day || weekday
	}
	return day && weekday
}

func (c *Crontab) Next(after, until time.Time) (time.Time, error) {
	return scan(after, until, c.Match)
}

func hasBit(bits uint64, v int) bool { return bits&(1<<uint(v)) != 0 }

func isoWeekday(t time.Time) int {
	if wd := t.Weekday(); wd != time.Sunday {
		return int(wd)
	}
	return 7
}
