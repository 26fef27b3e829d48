package reaper

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/internal/hub/bus"
	"github.com/agentcom/agentcom/internal/hub/kv"
	"github.com/agentcom/agentcom/internal/hub/presence"
	"github.com/agentcom/agentcom/internal/hub/task"
	"github.com/agentcom/agentcom/internal/hub/taskroute"
)

type kickableHandle struct {
	mu     sync.Mutex
	kicked string
}

func (h *kickableHandle) Deliver(string, any) bool { return true }

func (h *kickableHandle) Kick(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kicked = reason
}

func (h *kickableHandle) kickedWith() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kicked
}

func newReaper(t *testing.T, cfg Config) (*Reaper, *presence.Registry, *task.Queue, *taskroute.Router) {
	t.Helper()
	store, err := kv.Open(t.TempDir(), "task_queue")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := bus.New()
	p := presence.New(b)
	q := task.Open(store, b)
	r := taskroute.New("premium")
	return New(cfg, p, q, r), p, q, r
}

func defaultCfg() Config {
	return Config{
		Interval:       time.Second,
		SessionIdle:    time.Minute,
		OrphanTimeout:  time.Minute,
		EndpointMaxAge: time.Minute,
	}
}

func TestSweep_KicksIdleSessions(t *testing.T) {
	cfg := defaultCfg()
	cfg.SessionIdle = 20 * time.Millisecond
	reaper, p, _, _ := newReaper(t, cfg)

	idle := &kickableHandle{}
	p.Register("idle", presence.Meta{}, idle)

	time.Sleep(40 * time.Millisecond)
	fresh := &kickableHandle{}
	p.Register("fresh", presence.Meta{}, fresh)

	reaper.Sweep()

	assert.Equal(t, "idle_timeout", idle.kickedWith())
	assert.Empty(t, fresh.kickedWith())
}

func TestSweep_ReclaimsOrphanedTasks(t *testing.T) {
	reaper, _, q, _ := newReaper(t, defaultCfg())

	q.Enqueue(task.Params{Description: "x"})
	assigned, err := q.AssignNext("ghost-worker", nil)
	require.NoError(t, err)

	// The worker never registered with presence, so the task is
	// orphaned regardless of progress age.
	reaper.Sweep()

	got, err := q.Get(assigned.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Equal(t, assigned.Generation+1, got.Generation)
}

func TestSweep_KeepsHealthyAssignments(t *testing.T) {
	reaper, p, q, _ := newReaper(t, defaultCfg())

	p.Register("worker", presence.Meta{}, &kickableHandle{})
	q.Enqueue(task.Params{Description: "x"})
	assigned, err := q.AssignNext("worker", nil)
	require.NoError(t, err)

	reaper.Sweep()

	got, err := q.Get(assigned.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAssigned, got.Status)
	assert.Equal(t, assigned.Generation, got.Generation)
}

func TestSweep_MarksStaleEndpoints(t *testing.T) {
	cfg := defaultCfg()
	cfg.EndpointMaxAge = 20 * time.Millisecond
	reaper, _, _, r := newReaper(t, cfg)

	r.Report(taskroute.Endpoint{ID: "e", Status: taskroute.StatusHealthy, Models: []string{"m"}})
	time.Sleep(40 * time.Millisecond)

	reaper.Sweep()

	eps := r.Endpoints()
	require.Len(t, eps, 1)
	assert.Equal(t, taskroute.StatusUnreachable, eps[0].Status)
}
