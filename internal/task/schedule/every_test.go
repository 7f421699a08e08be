package schedule

import (
	"errors"
	"slices"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryWeekly(t *testing.T) {
	t.Parallel()
	s, err := ParseEvery("1w", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.True(t, s.Match(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, s.Match(time.Date(2025, 2, 5, 0, 0, 0, 0, time.UTC)))
	assert.False(t, s.Match(time.Date(2025, 2, 5, 7, 0, 0, 0, time.UTC)))
	assert.False(t, s.Match(time.Date(2025, 2, 6, 0, 0, 0, 0, time.UTC)))
	assert.False(t, s.Match(time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC)), "before the anchor")

	matches := slices.Collect(Dates(s, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, []time.Time{
		time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 22, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 29, 0, 0, 0, 0, time.UTC),
	}, matches)
	for _, m := range matches {
		assert.Equal(t, time.Wednesday, m.Weekday())
	}
}

func TestEveryAcrossSpringForward(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Hourly at half past, anchored 2025-01-01 05:30.
	s, err := ParseEvery("1h", time.Date(2025, 1, 1, 5, 30, 0, 0, ny))
	require.NoError(t, err)

	first, err := s.First(time.Date(2025, 3, 9, 1, 0, 0, 0, ny))
	require.NoError(t, err)
	assert.True(t, first.Equal(time.Date(2025, 3, 9, 1, 30, 0, 0, ny)), "got %s", first)

	// 02:30 does not exist on this day, so the next occurrence is 03:30 EDT.
	next, err := s.First(time.Date(2025, 3, 9, 1, 30, 0, 0, ny))
	require.NoError(t, err)
	assert.Equal(t, 3, next.Hour())
	assert.Equal(t, 30, next.Minute())
	assert.Equal(t, time.Hour, next.Sub(first))
}

func TestEveryAcrossFallBack(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	s, err := ParseEvery("1h", time.Date(2025, 1, 1, 0, 30, 0, 0, ny))
	require.NoError(t, err)

	// 01:30 occurs twice on 2025-11-02: once in EDT and again in EST.
	after := time.Date(2025, 11, 2, 0, 45, 0, 0, ny)
	until := after.Add(4 * time.Hour)
	var hours []int
	for d := range Dates(s, after, until) {
		hours = append(hours, d.Hour())
	}
	assert.Equal(t, []int{1, 1, 2, 3}, hours)
}

func TestNewEveryInvalid(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, raw := range []string{"30s", "90s", "0", "1x"} {
		_, err := ParseEvery(raw, anchor)
		require.Error(t, err, "ParseEvery(%q)", raw)
		assert.True(t, errors.Is(err, ErrParse))
	}
	_, err := NewEvery(MustParseDuration("1h"), time.Time{})
	assert.True(t, errors.Is(err, ErrParse))
}
