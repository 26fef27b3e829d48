// Package ratelimit implements the token-bucket limiter guarding both
// the WebSocket and HTTP channels. Buckets are keyed (agent, channel,
// tier) and live in a concurrent map with per-bucket locking; token
// counts are stored scaled ×1000 for integer precision.
package ratelimit

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/agentcom/agentcom/internal/metrics"
)

// Channel identifies which transport a request arrived on.
type Channel string

const (
	ChannelWS   Channel = "ws"
	ChannelHTTP Channel = "http"
)

// Tier classifies request weight.
type Tier string

const (
	TierLight  Tier = "light"
	TierNormal Tier = "normal"
	TierHeavy  Tier = "heavy"
)

// cost of a single request in scaled units.
const cost = 1000

// warnFraction is the remaining-capacity fraction below which an
// allowed request is downgraded to a warning.
const warnFraction = 0.2

// Limit configures one tier's bucket.
type Limit struct {
	Capacity     int     `koanf:"capacity"`
	RefillPerSec float64 `koanf:"refill_per_sec"`
}

// Config holds the per-tier limits.
type Config struct {
	Light  Limit `koanf:"light"`
	Normal Limit `koanf:"normal"`
	Heavy  Limit `koanf:"heavy"`
}

// DefaultConfig returns the stock tier limits.
func DefaultConfig() Config {
	return Config{
		Light:  Limit{Capacity: 120, RefillPerSec: 2},
		Normal: Limit{Capacity: 60, RefillPerSec: 1},
		Heavy:  Limit{Capacity: 12, RefillPerSec: 0.2},
	}
}

func (c Config) limit(tier Tier) Limit {
	switch tier {
	case TierLight:
		return c.Light
	case TierHeavy:
		return c.Heavy
	default:
		return c.Normal
	}
}

// Verdict is the outcome of a Check.
type Verdict int

const (
	Allow Verdict = iota
	Warn
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Warn:
		return "warn"
	default:
		return "deny"
	}
}

// Decision is the result of a single Check call.
type Decision struct {
	Verdict    Verdict
	Exempt     bool
	Remaining  float64       // whole tokens left, meaningful for Allow/Warn
	RetryAfter time.Duration // meaningful for Deny
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool { return d.Verdict != Deny }

type bucket struct {
	mu           sync.Mutex
	tokensScaled int64
	lastRefillMS int64
	capScaled    int64
	refillPerMS  float64 // scaled units per millisecond
}

// Limiter holds the shared bucket and violation tables.
type Limiter struct {
	cfg     Config
	buckets sync.Map // "agent|channel|tier" -> *bucket

	ovMu      sync.RWMutex
	whitelist map[string]bool
	overrides map[string]map[Tier]Limit

	vioMu      sync.Mutex
	violations map[string]*violation

	start time.Time
	nowMS func() int64 // monotonic milliseconds, swappable in tests
}

// New creates a Limiter with the given tier config.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:        cfg,
		whitelist:  make(map[string]bool),
		overrides:  make(map[string]map[Tier]Limit),
		violations: make(map[string]*violation),
		start:      time.Now(),
	}
	l.nowMS = func() int64 { return time.Since(l.start).Milliseconds() }
	return l
}

// Check consumes one request's worth of tokens for (agent, channel,
// tier) and returns the verdict.
func (l *Limiter) Check(agent string, ch Channel, tier Tier) Decision {
	if l.isWhitelisted(agent) {
		metrics.RateLimitDecisions.WithLabelValues("exempt").Inc()
		return Decision{Verdict: Allow, Exempt: true}
	}

	lim := l.effectiveLimit(agent, tier)
	capScaled := int64(lim.Capacity) * 1000
	refillPerMS := lim.RefillPerSec // tokens/sec == scaled units/ms

	key := agent + "|" + string(ch) + "|" + string(tier)
	now := l.nowMS()

	bi, _ := l.buckets.LoadOrStore(key, &bucket{
		tokensScaled: capScaled,
		lastRefillMS: now,
		capScaled:    capScaled,
		refillPerMS:  refillPerMS,
	})
	b := bi.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now - b.lastRefillMS
	if elapsed < 0 {
		elapsed = 0
	}
	refilled := b.tokensScaled + int64(float64(elapsed)*b.refillPerMS)
	if refilled > b.capScaled {
		refilled = b.capScaled
	}
	b.lastRefillMS = now

	if refilled < cost {
		b.tokensScaled = refilled
		retryMS := int64(math.Ceil(float64(cost-refilled) / b.refillPerMS))
		// Round up to the next whole second.
		retryMS = (retryMS + 999) / 1000 * 1000
		metrics.RateLimitDecisions.WithLabelValues("deny").Inc()
		return Decision{Verdict: Deny, RetryAfter: time.Duration(retryMS) * time.Millisecond}
	}

	b.tokensScaled = refilled - cost
	remaining := float64(b.tokensScaled) / 1000

	verdict := Allow
	if float64(b.tokensScaled) < warnFraction*float64(b.capScaled) {
		verdict = Warn
	}
	metrics.RateLimitDecisions.WithLabelValues(verdict.String()).Inc()
	return Decision{Verdict: verdict, Remaining: remaining}
}

// SetWhitelisted adds or removes an agent from the rate-limit
// whitelist.
func (l *Limiter) SetWhitelisted(agent string, exempt bool) {
	l.ovMu.Lock()
	defer l.ovMu.Unlock()
	if exempt {
		l.whitelist[agent] = true
	} else {
		delete(l.whitelist, agent)
	}
}

// SetOverride installs a per-agent tier limit and invalidates all of
// the agent's buckets so the next Check reinitializes them.
func (l *Limiter) SetOverride(agent string, tier Tier, lim Limit) {
	l.ovMu.Lock()
	if l.overrides[agent] == nil {
		l.overrides[agent] = make(map[Tier]Limit)
	}
	l.overrides[agent][tier] = lim
	l.ovMu.Unlock()

	l.invalidate(agent)
}

// ClearOverrides removes all per-agent limits and invalidates the
// agent's buckets.
func (l *Limiter) ClearOverrides(agent string) {
	l.ovMu.Lock()
	delete(l.overrides, agent)
	l.ovMu.Unlock()

	l.invalidate(agent)
}

func (l *Limiter) invalidate(agent string) {
	prefix := agent + "|"
	l.buckets.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			l.buckets.Delete(k)
		}
		return true
	})
}

func (l *Limiter) isWhitelisted(agent string) bool {
	l.ovMu.RLock()
	defer l.ovMu.RUnlock()
	return l.whitelist[agent]
}

func (l *Limiter) effectiveLimit(agent string, tier Tier) Limit {
	l.ovMu.RLock()
	defer l.ovMu.RUnlock()
	if ov, ok := l.overrides[agent]; ok {
		if lim, ok := ov[tier]; ok {
			return lim
		}
	}
	return l.cfg.limit(tier)
}
