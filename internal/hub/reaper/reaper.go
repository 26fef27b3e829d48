// Package reaper closes the loops the happy path missed: idle
// sessions are kicked, orphaned tasks re-queued, silent endpoints
// downgraded.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentcom/agentcom/internal/hub/presence"
	"github.com/agentcom/agentcom/internal/hub/task"
	"github.com/agentcom/agentcom/internal/hub/taskroute"
	"github.com/agentcom/agentcom/internal/metrics"
)

// Config tunes the sweep.
type Config struct {
	Interval       time.Duration
	SessionIdle    time.Duration
	OrphanTimeout  time.Duration
	EndpointMaxAge time.Duration
}

// Reaper periodically sweeps presence, the task queue, and the
// endpoint registry.
type Reaper struct {
	cfg      Config
	presence *presence.Registry
	tasks    *task.Queue
	router   *taskroute.Router
	logger   *slog.Logger
}

// New builds a Reaper.
func New(cfg Config, p *presence.Registry, q *task.Queue, r *taskroute.Router) *Reaper {
	return &Reaper{
		cfg:      cfg,
		presence: p,
		tasks:    q,
		router:   r,
		logger:   slog.With("component", "reaper"),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one pass of all three sweeps.
func (r *Reaper) Sweep() {
	r.reapSessions()
	r.reclaimTasks()
	r.markEndpoints()
}

func (r *Reaper) reapSessions() {
	stale := r.presence.Stale(r.cfg.SessionIdle)
	for agentID, h := range stale {
		r.logger.Info("reaping idle session", "agent_id", agentID)
		metrics.SessionsReaped.Inc()
		// Kick triggers the session's own close path, which
		// unregisters from presence.
		h.Kick("idle_timeout")
	}
}

func (r *Reaper) reclaimTasks() {
	n, err := r.tasks.ReclaimStale(r.presence.IsOnline, r.cfg.OrphanTimeout)
	if err != nil {
		r.logger.Error("task reclamation failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("reclaimed orphaned tasks", "count", n)
	}
}

func (r *Reaper) markEndpoints() {
	if n := r.router.MarkStale(r.cfg.EndpointMaxAge); n > 0 {
		r.logger.Info("marked silent endpoints unreachable", "count", n)
	}
}
