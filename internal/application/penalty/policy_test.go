package penalty

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestCalculator_NotOverdue(t *testing.T) {
	c := Calculator{Policy: Linear(0, 100, 5000)}
	assert.Equal(t, int64(0), c.PenaltyBps(nil, ts("2026-01-02T00:00:00Z")))
	assert.Equal(t, int64(0), c.PenaltyBps(ts("2026-01-02T00:00:00Z"), nil))
	assert.Equal(t, int64(0), c.PenaltyBps(ts("2026-01-02T00:00:00Z"), ts("2026-01-01T00:00:00Z")))
	assert.Equal(t, int64(0), c.PenaltyBps(ts("2026-01-02T00:00:00Z"), ts("2026-01-02T00:00:00Z")))
}

func TestLinear_MonotonicAndCapped(t *testing.T) {
	c := Calculator{Policy: Linear(0, 100, 500)}
	due := ts("2026-01-01T00:00:00Z")

	assert.Equal(t, int64(100), c.PenaltyBps(due, ts("2026-01-01T00:00:01Z")))
	assert.Equal(t, int64(100), c.PenaltyBps(due, ts("2026-01-02T00:00:00Z")))
	assert.Equal(t, int64(200), c.PenaltyBps(due, ts("2026-01-02T00:00:01Z")))
	assert.Equal(t, int64(500), c.PenaltyBps(due, ts("2026-02-01T00:00:00Z")))

	prev := int64(0)
	for h := 1; h < 24*30; h += 7 {
		sub := due.Add(time.Duration(h) * time.Hour)
		got := c.PenaltyBps(due, &sub)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestLinear_GracePeriod(t *testing.T) {
	c := Calculator{Policy: Linear(48*time.Hour, 250, 0)}
	due := ts("2026-01-01T00:00:00Z")
	assert.Equal(t, int64(0), c.PenaltyBps(due, ts("2026-01-03T00:00:00Z")))
	assert.Equal(t, int64(250), c.PenaltyBps(due, ts("2026-01-03T06:00:00Z")))
}

func TestCalculator_ClampsPolicyOutput(t *testing.T) {
	due := ts("2026-01-01T00:00:00Z")
	late := ts("2026-01-05T00:00:00Z")
	assert.Equal(t, int64(10000), Calculator{Policy: func(time.Duration) int64 { return 20000 }}.PenaltyBps(due, late))
	assert.Equal(t, int64(0), Calculator{Policy: func(time.Duration) int64 { return -5 }}.PenaltyBps(due, late))
	assert.Equal(t, int64(0), Calculator{Policy: None()}.PenaltyBps(due, late))
}

func TestParseDestination(t *testing.T) {
	d, err := ParseDestination("")
	require.NoError(t, err)
	assert.Equal(t, ToOwner, d)
	d, err = ParseDestination(" Pool ")
	require.NoError(t, err)
	assert.Equal(t, ToPool, d)
	_, err = ParseDestination("burn")
	assert.Error(t, err)
}
