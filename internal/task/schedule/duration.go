package schedule

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Duration is a non-negative span of whole seconds with a compact text form
// ("2w3d7h21m10s").
//
// Parsing is lenient about the input shape ("107s", "1m47s" and "107" are all
// the same value); String always returns the canonical form.
type Duration int64

type durationUnit struct {
	unit byte
	secs int64
}

// Largest first: String relies on this order.
var durationUnits = []durationUnit{
	{'w', 7 * 24 * 60 * 60},
	{'d', 24 * 60 * 60},
	{'h', 60 * 60},
	{'m', 60},
	{'s', 1},
}

// ParseDuration parses either a bare integer (seconds) or a sequence of
// <integer><unit> pairs using the units w, d, h, m and s.
func ParseDuration(raw string) (Duration, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("%w: empty duration", ErrParse)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%w: negative duration %q", ErrParse, raw)
		}
		return Duration(n), nil
	} else if errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("%w: duration %q overflows", ErrParse, raw)
	}

	var total int64
	for i := 0; i < len(s); {
		j := i
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		if j == i {
			return 0, fmt.Errorf("%w: duration %q: expected a number at %q", ErrParse, raw, s[i:])
		}
		if j == len(s) {
			return 0, fmt.Errorf("%w: duration %q: missing unit after %q", ErrParse, raw, s[i:j])
		}
		n, err := strconv.ParseInt(s[i:j], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: duration %q: %v", ErrParse, raw, err)
		}
		secs, ok := unitSeconds(s[j])
		if !ok {
			return 0, fmt.Errorf("%w: duration %q: unknown unit %q", ErrParse, raw, s[j])
		}
		if n > (math.MaxInt64-total)/secs {
			return 0, fmt.Errorf("%w: duration %q overflows", ErrParse, raw)
		}
		total += n * secs
		i = j + 1
	}
	return Duration(total), nil
}

// MustParseDuration is ParseDuration for package-level values and tests.
func MustParseDuration(raw string) Duration {
	d, err := ParseDuration(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// FromStd converts a time.Duration, dropping sub-second precision.
func FromStd(d time.Duration) Duration {
	if d <= 0 {
		return 0
	}
	return Duration(d / time.Second)
}

func unitSeconds(u byte) (int64, bool) {
	for _, du := range durationUnits {
		if du.unit == u {
			return du.secs, true
		}
	}
	return 0, false
}

func (d Duration) Seconds() int64 { return int64(d) }

func (d Duration) Std() time.Duration { return time.Duration(d) * time.Second }

// String returns the canonical form: units in descending order, zero units
// omitted. Zero formats as "0s".
func (d Duration) String() string {
	n := int64(d)
	if n <= 0 {
		return "0s"
	}
	var b strings.Builder
	for _, u := range durationUnits {
		q := n / u.secs
		if q == 0 {
			continue
		}
		b.WriteString(strconv.FormatInt(q, 10))
		b.WriteByte(u.unit)
		n -= q * u.secs
	}
	return b.String()
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
