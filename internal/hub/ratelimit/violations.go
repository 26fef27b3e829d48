package ratelimit

import (
	"time"

	"github.com/agentcom/agentcom/internal/metrics"
)

// quietWindow is the trailing interval during which consecutive
// violations accumulate; after this long without a violation the
// count resets.
const quietWindowMS = 60_000

// backoffCurve maps consecutive violation count to the enforced
// retry-after delay. Counts past the end use the last entry.
var backoffCurve = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

type violation struct {
	consecutive int
	lastMS      int64
}

// RecordViolation bumps the agent's consecutive-violation count and
// returns the retry-after delay from the progressive curve.
func (l *Limiter) RecordViolation(agent string) time.Duration {
	now := l.nowMS()

	l.vioMu.Lock()
	defer l.vioMu.Unlock()

	v := l.violations[agent]
	if v == nil || now-v.lastMS > quietWindowMS {
		v = &violation{}
		l.violations[agent] = v
	}
	v.consecutive++
	v.lastMS = now

	metrics.RateLimitViolations.Inc()

	idx := v.consecutive - 1
	if idx >= len(backoffCurve) {
		idx = len(backoffCurve) - 1
	}
	return backoffCurve[idx]
}

// IsRateLimited reports whether the agent has violated within the
// quiet window.
func (l *Limiter) IsRateLimited(agent string) bool {
	now := l.nowMS()

	l.vioMu.Lock()
	defer l.vioMu.Unlock()

	v := l.violations[agent]
	return v != nil && v.consecutive > 0 && now-v.lastMS <= quietWindowMS
}
