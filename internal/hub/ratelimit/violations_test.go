package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordViolation_ProgressiveCurve(t *testing.T) {
	l := New(DefaultConfig())
	fakeClock(l)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
		30 * time.Second,
		30 * time.Second, // curve caps at 30s
	}
	for i, w := range want {
		assert.Equal(t, w, l.RecordViolation("a"), "violation %d", i+1)
	}
}

func TestRecordViolation_QuietWindowResets(t *testing.T) {
	l := New(DefaultConfig())
	now := fakeClock(l)

	l.RecordViolation("a")
	l.RecordViolation("a")
	assert.Equal(t, 5*time.Second, l.RecordViolation("a"))

	// After 60s of quiet the next violation starts over at 1s.
	*now += quietWindowMS + 1
	assert.Equal(t, time.Second, l.RecordViolation("a"))
}

func TestIsRateLimited(t *testing.T) {
	l := New(DefaultConfig())
	now := fakeClock(l)

	assert.False(t, l.IsRateLimited("a"))

	l.RecordViolation("a")
	assert.True(t, l.IsRateLimited("a"))

	*now += quietWindowMS + 1
	assert.False(t, l.IsRateLimited("a"))
}

func TestRecordViolation_PerAgent(t *testing.T) {
	l := New(DefaultConfig())
	fakeClock(l)

	l.RecordViolation("a")
	l.RecordViolation("a")
	assert.Equal(t, time.Second, l.RecordViolation("b"))
}
