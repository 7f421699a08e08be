package schedule

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		secs int64
		str  string
	}{
		{raw: "2w3d7h21m10s", secs: 1495270, str: "2w3d7h21m10s"},
		{raw: "107s", secs: 107, str: "1m47s"},
		{raw: "90s", secs: 90, str: "1m30s"},
		{raw: "2w", secs: 1209600, str: "2w"},
		{raw: "1209600", secs: 1209600, str: "2w"},
		{raw: "0", secs: 0, str: "0s"},
		{raw: " 1H30M ", secs: 5400, str: "1h30m"},
		{raw: "1d1d", secs: 172800, str: "2d"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			d, err := ParseDuration(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.secs, d.Seconds())
			assert.Equal(t, tt.str, d.String())
		})
	}
}

func TestParseDurationInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		"", "5x", "h", "5h3", "-5", "1h-2m", "abc",
		"99999999999999999w", "9223372036854775807w", "9223372036854775807s1s",
		"9223372036854775808", "15250284452471w4d",
	} {
		_, err := ParseDuration(raw)
		require.Error(t, err, "ParseDuration(%q)", raw)
		assert.True(t, errors.Is(err, ErrParse), "ParseDuration(%q) error %v should wrap ErrParse", raw, err)
	}
}

func TestParseDurationLimit(t *testing.T) {
	t.Parallel()
	d, err := ParseDuration("9223372036854775807")
	require.NoError(t, err)
	assert.Equal(t, Duration(math.MaxInt64), d)

	d, err = ParseDuration("9223372036854775806s1s")
	require.NoError(t, err)
	assert.Equal(t, Duration(math.MaxInt64), d)

	d, err = ParseDuration("15250284452471w3d")
	require.NoError(t, err)
	got, err := ParseDuration(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestDurationRoundTrip(t *testing.T) {
	t.Parallel()
	values := []Duration{0, 1, 59, 60, 61, 3599, 3600, 86399, 86400, 604799, 604800, 1495270}
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 200; i++ {
		values = append(values, Duration(rng.Int64N(10*604800)))
	}
	for _, d := range values {
		got, err := ParseDuration(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got, "round trip of %s", d)
	}
}

func TestDurationStd(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(14*24*time.Hour), now.Add(MustParseDuration("2w").Std()))
	assert.Equal(t, Duration(90), FromStd(90*time.Second+500*time.Millisecond))
	assert.Equal(t, Duration(0), FromStd(-time.Second))
}

func TestDurationText(t *testing.T) {
	t.Parallel()
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("3d")))
	assert.Equal(t, Duration(3*86400), d)
	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "3d", string(b))
	require.Error(t, d.UnmarshalText([]byte("3y")))
}
