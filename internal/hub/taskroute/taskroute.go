// Package taskroute resolves a task's execution target: the local
// sidecar, a scored inference endpoint, or the premium external model.
package taskroute

import (
	"sort"
	"sync"
	"time"

	"github.com/agentcom/agentcom/internal/hub/classify"
	"github.com/agentcom/agentcom/internal/hub/task"
	"github.com/agentcom/agentcom/internal/metrics"
)

// EndpointStatus enumerates endpoint health states.
type EndpointStatus string

const (
	StatusHealthy     EndpointStatus = "healthy"
	StatusDegraded    EndpointStatus = "degraded"
	StatusUnreachable EndpointStatus = "unreachable"
)

// HostMetrics is the endpoint's self-reported load snapshot.
type HostMetrics struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemPercent   float64 `json:"mem_percent"`
	GPUMemFreeMB float64 `json:"gpu_mem_free_mb"`
	QueueDepth   int     `json:"queue_depth"`
}

// Endpoint is an external inference endpoint known to the hub.
type Endpoint struct {
	ID             string         `json:"id"`
	Status         EndpointStatus `json:"status"`
	Models         []string       `json:"models"`
	HostMetrics    HostMetrics    `json:"host_metrics"`
	LastReportedMS int64          `json:"last_reported_ms"`
}

// TargetType names the execution destination class.
type TargetType string

const (
	TargetSidecar  TargetType = "sidecar"
	TargetEndpoint TargetType = "endpoint"
	TargetPremium  TargetType = "premium"
)

// Cost tiers for the decision record.
const (
	CostFree  = "free"
	CostLocal = "local"
	CostAPI   = "api"
)

// FallbackNoHealthyEndpoints is the reason recorded when the standard
// tier has no endpoint to serve it.
const FallbackNoHealthyEndpoints = "no_healthy_endpoints"

// Decision is the full routing record. When FallbackUsed is set the
// scheduler is expected to retry with an alternate tier.
type Decision struct {
	EffectiveTier        classify.Tier `json:"effective_tier"`
	TargetType           TargetType    `json:"target_type,omitempty"`
	SelectedEndpoint     string        `json:"selected_endpoint,omitempty"`
	SelectedModel        string        `json:"selected_model,omitempty"`
	FallbackUsed         bool          `json:"fallback_used"`
	FallbackFromTier     classify.Tier `json:"fallback_from_tier,omitempty"`
	FallbackReason       string        `json:"fallback_reason,omitempty"`
	CandidateCount       int           `json:"candidate_count"`
	ClassificationReason string        `json:"classification_reason,omitempty"`
	EstimatedCostTier    string        `json:"estimated_cost_tier,omitempty"`
	DecidedAtMS          int64         `json:"decided_at_ms"`
}

// Router holds the endpoint registry and the premium model name.
type Router struct {
	mu           sync.RWMutex
	endpoints    map[string]*Endpoint
	premiumModel string
	nowMS        func() int64
}

// New builds a Router targeting premiumModel for the complex tier.
func New(premiumModel string) *Router {
	return &Router{
		endpoints:    make(map[string]*Endpoint),
		premiumModel: premiumModel,
		nowMS:        func() int64 { return time.Now().UnixMilli() },
	}
}

// Report upserts an endpoint's status and load snapshot.
func (r *Router) Report(e Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.LastReportedMS = r.nowMS()
	r.endpoints[e.ID] = &e
}

// Remove forgets an endpoint.
func (r *Router) Remove(endpointID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, endpointID)
}

// Endpoints returns a snapshot of all known endpoints sorted by id.
func (r *Router) Endpoints() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Endpoint, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkStale downgrades endpoints that have not reported within maxAge
// to unreachable. Returns how many were downgraded.
func (r *Router) MarkStale(maxAge time.Duration) int {
	cutoff := r.nowMS() - maxAge.Milliseconds()

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.endpoints {
		if e.Status != StatusUnreachable && e.LastReportedMS < cutoff {
			e.Status = StatusUnreachable
			n++
		}
	}
	return n
}

// Decide resolves the execution target for t. Trivial work always
// lands on the sidecar and complex work always on the premium model;
// only the standard tier can fall back when no endpoint qualifies.
func (r *Router) Decide(t *task.Task) Decision {
	tier := classify.TierStandard
	reason := ""
	if t.Complexity != nil {
		if t.Complexity.EffectiveTier != "" && t.Complexity.EffectiveTier != classify.TierUnknown {
			tier = t.Complexity.EffectiveTier
		}
		reason = t.Complexity.Source
	}

	d := Decision{
		EffectiveTier:        tier,
		ClassificationReason: reason,
		DecidedAtMS:          r.nowMS(),
	}

	switch tier {
	case classify.TierTrivial:
		d.TargetType = TargetSidecar
		d.EstimatedCostTier = CostFree

	case classify.TierComplex:
		d.TargetType = TargetPremium
		d.SelectedModel = r.premiumModel
		d.EstimatedCostTier = CostAPI

	default:
		candidates := r.healthyCandidates()
		d.CandidateCount = len(candidates)
		if len(candidates) == 0 {
			d.FallbackUsed = true
			d.FallbackFromTier = classify.TierStandard
			d.FallbackReason = FallbackNoHealthyEndpoints
			metrics.RouterFallbacks.Inc()
			break
		}
		best := pickBest(candidates)
		d.TargetType = TargetEndpoint
		d.SelectedEndpoint = best.ID
		d.SelectedModel = best.Models[0]
		d.EstimatedCostTier = CostLocal
	}
	return d
}

func (r *Router) healthyCandidates() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Endpoint
	for _, e := range r.endpoints {
		if e.Status == StatusHealthy && len(e.Models) > 0 {
			out = append(out, e)
		}
	}
	return out
}

// pickBest returns the least-loaded candidate. Lower is better; free
// GPU memory subtracts from the load score.
func pickBest(candidates []*Endpoint) *Endpoint {
	best := candidates[0]
	bestScore := loadScore(best)
	for _, e := range candidates[1:] {
		if s := loadScore(e); s < bestScore || (s == bestScore && e.ID < best.ID) {
			best, bestScore = e, s
		}
	}
	return best
}

func loadScore(e *Endpoint) float64 {
	m := e.HostMetrics
	return m.CPUPercent + m.MemPercent + 10*float64(m.QueueDepth) - m.GPUMemFreeMB/1024
}
