package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptor(t *testing.T) {
	t.Parallel()
	d, err := ParseDescriptor("@daily")
	require.NoError(t, err)
	assert.Equal(t, "@daily", d.String())

	assert.True(t, d.Match(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)))
	assert.True(t, d.Match(time.Date(2025, 1, 2, 0, 0, 45, 0, time.UTC)), "seconds are ignored")
	assert.False(t, d.Match(time.Date(2025, 1, 2, 0, 1, 0, 0, time.UTC)))

	next, err := d.Next(time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), next)

	_, err = d.Next(time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC))
	assert.True(t, errors.Is(err, ErrExhausted))
}

func TestParseDescriptorInvalid(t *testing.T) {
	t.Parallel()
	for _, spec := range []string{"daily", "@fortnightly", "@"} {
		_, err := ParseDescriptor(spec)
		require.Error(t, err, "ParseDescriptor(%q)", spec)
		assert.True(t, errors.Is(err, ErrParse))
	}
}
