// Package presence tracks currently connected agents and their
// session handles, and publishes join/leave/status events.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/agentcom/agentcom/internal/hub/bus"
	"github.com/agentcom/agentcom/internal/metrics"
)

// Handle is the session-side interface the registry holds for direct
// push. Deliver must never block; it reports false when the session
// cannot accept the event (closed or backed up). Kick asks the
// session to close.
type Handle interface {
	Deliver(kind string, data any) bool
	Kick(reason string)
}

// Meta is the agent-supplied metadata captured at identify time.
type Meta struct {
	Name         string   `json:"name,omitempty"`
	Status       string   `json:"status,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Entry is a presence listing row.
type Entry struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name,omitempty"`
	Status       string   `json:"status,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	ConnectedAt  int64    `json:"connected_at_ms"`
	LastSeenMS   int64    `json:"last_seen_ms"`
}

type record struct {
	entry  Entry
	handle Handle
}

// Registry is the concurrent agent_id → session index.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*record
	bus    *bus.Bus
	nowMS  func() int64
}

// New creates an empty Registry publishing events on b.
func New(b *bus.Bus) *Registry {
	return &Registry{
		agents: make(map[string]*record),
		bus:    b,
		nowMS:  func() int64 { return time.Now().UnixMilli() },
	}
}

// Register adds or replaces the agent's presence entry. Idempotent: a
// second register for a live agent replaces metadata and handle, and
// the displaced session is kicked so it does not linger connected
// under an identity it no longer owns. Only a genuinely new agent
// publishes agent_joined.
func (r *Registry) Register(agentID string, meta Meta, h Handle) {
	now := r.nowMS()

	r.mu.Lock()
	prev, existed := r.agents[agentID]
	rec := &record{
		entry: Entry{
			AgentID:      agentID,
			Name:         meta.Name,
			Status:       meta.Status,
			Capabilities: meta.Capabilities,
			ConnectedAt:  now,
			LastSeenMS:   now,
		},
		handle: h,
	}
	var displaced Handle
	if existed {
		rec.entry.ConnectedAt = prev.entry.ConnectedAt
		if prev.handle != h {
			displaced = prev.handle
		}
	}
	r.agents[agentID] = rec
	r.mu.Unlock()

	if displaced != nil {
		displaced.Kick("session_replaced")
	}
	if !existed {
		metrics.ActiveSessions.Inc()
		r.bus.Publish(bus.TopicPresence, "agent_joined", rec.entry)
	}
}

// Unregister removes the agent only if h is still the registered
// handle, so a stale session's deferred cleanup cannot remove its
// replacement. Returns true if the entry was removed.
func (r *Registry) Unregister(agentID string, h Handle) bool {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok || rec.handle != h {
		r.mu.Unlock()
		return false
	}
	delete(r.agents, agentID)
	entry := rec.entry
	r.mu.Unlock()

	metrics.ActiveSessions.Dec()
	r.bus.Publish(bus.TopicPresence, "agent_left", entry)
	return true
}

// Touch updates the agent's last-seen timestamp.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.agents[agentID]; ok {
		rec.entry.LastSeenMS = r.nowMS()
	}
}

// UpdateStatus sets the agent's status and publishes status_changed.
func (r *Registry) UpdateStatus(agentID, status string) {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.entry.Status = status
	rec.entry.LastSeenMS = r.nowMS()
	entry := rec.entry
	r.mu.Unlock()

	r.bus.Publish(bus.TopicPresence, "status_changed", entry)
}

// Lookup returns the agent's session handle, or nil if absent.
func (r *Registry) Lookup(agentID string) Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.agents[agentID]; ok {
		return rec.handle
	}
	return nil
}

// Get returns the agent's presence entry.
func (r *Registry) Get(agentID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.agents[agentID]; ok {
		return rec.entry, true
	}
	return Entry{}, false
}

// IsOnline reports whether the agent is currently registered.
func (r *Registry) IsOnline(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// List returns all present agents sorted by agent id.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.agents))
	for _, rec := range r.agents {
		entries = append(entries, rec.entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].AgentID < entries[j].AgentID })
	return entries
}

// Count returns the number of present agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Stale returns the handles of agents whose last-seen timestamp is
// older than idleFor, paired with their ids.
func (r *Registry) Stale(idleFor time.Duration) map[string]Handle {
	cutoff := r.nowMS() - idleFor.Milliseconds()

	r.mu.RLock()
	defer r.mu.RUnlock()

	stale := make(map[string]Handle)
	for id, rec := range r.agents {
		if rec.entry.LastSeenMS < cutoff {
			stale[id] = rec.handle
		}
	}
	return stale
}

// Broadcast delivers an event to every connected session handle.
// Best-effort; used for shutdown notification.
func (r *Registry) Broadcast(kind string, data any) {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.agents))
	for _, rec := range r.agents {
		handles = append(handles, rec.handle)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		h.Deliver(kind, data)
	}
}
