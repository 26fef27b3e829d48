package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/internal/hub/bus"
	"github.com/agentcom/agentcom/internal/hub/kv"
)

func openQueue(t *testing.T) *Queue {
	t.Helper()
	store, err := kv.Open(t.TempDir(), "task_queue")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return Open(store, bus.New())
}

func alwaysOnline(string) bool { return true }
func neverOnline(string) bool  { return false }

func TestEnqueueAssign(t *testing.T) {
	q := openQueue(t)

	task, err := q.Enqueue(Params{Description: "build"})
	require.NoError(t, err)
	assert.Regexp(t, `^task-[0-9a-f]{16}$`, task.ID)
	assert.Equal(t, StatusQueued, task.Status)
	assert.Equal(t, DefaultMaxRetries, task.MaxRetries)
	assert.Zero(t, task.Generation)

	got, err := q.AssignNext("worker-1", nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, StatusAssigned, got.Status)
	assert.Equal(t, "worker-1", got.AssignedTo)
	assert.Equal(t, uint64(1), got.Generation)
}

func TestAssignNext_PriorityOrder(t *testing.T) {
	q := openQueue(t)

	low, _ := q.Enqueue(Params{Description: "low", Priority: 3})
	urgent, _ := q.Enqueue(Params{Description: "urgent", Priority: 0})

	got, err := q.AssignNext("w", nil)
	require.NoError(t, err)
	assert.Equal(t, urgent.ID, got.ID)

	got, err = q.AssignNext("w", nil)
	require.NoError(t, err)
	assert.Equal(t, low.ID, got.ID)

	got, err = q.AssignNext("w", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAssignNext_RequiredCapability(t *testing.T) {
	q := openQueue(t)
	q.Enqueue(Params{
		Description: "gpu job",
		Metadata:    map[string]any{"required_capability": "gpu"},
	})

	got, err := q.AssignNext("w", []string{"cpu"})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = q.AssignNext("w", []string{"cpu", "gpu"})
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestCompleteLifecycle(t *testing.T) {
	q := openQueue(t)
	q.Enqueue(Params{Description: "x"})
	assigned, _ := q.AssignNext("w", nil)

	accepted, err := q.Accept(assigned.ID, assigned.Generation)
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, accepted.Status)

	done, err := q.Complete(assigned.ID, assigned.Generation, map[string]any{"out": "ok"})
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, done.Status)
	assert.Equal(t, "ok", done.Result["out"])
}

func TestGenerationFence(t *testing.T) {
	q := openQueue(t)
	q.Enqueue(Params{Description: "x"})
	assigned, _ := q.AssignNext("w1", nil)
	staleGen := assigned.Generation

	// Reclamation bumps the generation while w1 is stuck.
	n, err := q.ReclaimStale(neverOnline, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The old worker's frames are fenced out.
	_, err = q.Complete(assigned.ID, staleGen, nil)
	assert.ErrorIs(t, err, ErrStaleGeneration)
	_, _, err = q.Fail(assigned.ID, staleGen, "boom")
	assert.ErrorIs(t, err, ErrStaleGeneration)
	_, err = q.Accept(assigned.ID, staleGen)
	assert.ErrorIs(t, err, ErrStaleGeneration)

	// State is unchanged by the fenced frames.
	got, err := q.Get(assigned.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)

	// The new assignee operates under the bumped generation.
	reassigned, err := q.AssignNext("w2", nil)
	require.NoError(t, err)
	assert.Equal(t, staleGen+2, reassigned.Generation)
	_, err = q.Complete(reassigned.ID, reassigned.Generation, nil)
	require.NoError(t, err)
}

func TestFail_RetryThenDeadLetter(t *testing.T) {
	q := openQueue(t)
	q.Enqueue(Params{Description: "x", MaxRetries: 2})

	for want := 1; want <= 2; want++ {
		assigned, err := q.AssignNext("w", nil)
		require.NoError(t, err)
		got, outcome, err := q.Fail(assigned.ID, assigned.Generation, "boom")
		require.NoError(t, err)
		assert.Equal(t, Retried, outcome)
		assert.Equal(t, StatusQueued, got.Status)
		assert.Equal(t, want, got.Retries)
		assert.Empty(t, got.AssignedTo)
	}

	assigned, _ := q.AssignNext("w", nil)
	got, outcome, err := q.Fail(assigned.ID, assigned.Generation, "boom")
	require.NoError(t, err)
	assert.Equal(t, DeadLetter, outcome)
	assert.Equal(t, StatusDeadLetter, got.Status)
	assert.Equal(t, "boom", got.Error)
}

func TestRecover(t *testing.T) {
	q := openQueue(t)
	q.Enqueue(Params{Description: "x"})
	assigned, _ := q.AssignNext("w1", nil)

	outcome, got, err := q.Recover(assigned.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, RecoverContinue, outcome)
	require.NotNil(t, got)
	assert.Equal(t, assigned.Generation, got.Generation)

	outcome, got, err = q.Recover(assigned.ID, "w2")
	require.NoError(t, err)
	assert.Equal(t, RecoverReassign, outcome)
	assert.Nil(t, got)

	outcome, got, err = q.Recover("task-0000000000000000", "w1")
	require.NoError(t, err)
	assert.Equal(t, RecoverReassign, outcome)
	assert.Nil(t, got)
}

func TestReclaimStale_ProgressTimeout(t *testing.T) {
	q := openQueue(t)
	now := int64(1_000_000)
	q.nowMS = func() int64 { return now }

	q.Enqueue(Params{Description: "x"})
	assigned, _ := q.AssignNext("w", nil)
	q.Accept(assigned.ID, assigned.Generation)

	// Fresh progress keeps the task even with the worker online.
	n, err := q.ReclaimStale(alwaysOnline, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	now += (2 * time.Minute).Milliseconds()
	n, err = q.ReclaimStale(alwaysOnline, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := q.Get(assigned.ID)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, assigned.Generation+1, got.Generation)
}

func TestUpdateProgress(t *testing.T) {
	q := openQueue(t)
	now := int64(1_000_000)
	q.nowMS = func() int64 { return now }

	q.Enqueue(Params{Description: "x"})
	assigned, _ := q.AssignNext("w", nil)

	now += 50_000
	require.NoError(t, q.UpdateProgress(assigned.ID))
	got, _ := q.Get(assigned.ID)
	assert.Equal(t, now, got.LastProgressMS)

	assert.ErrorIs(t, q.UpdateProgress("task-ffffffffffffffff"), ErrNotFound)
}

func TestStats(t *testing.T) {
	q := openQueue(t)
	q.Enqueue(Params{Description: "a"})
	q.Enqueue(Params{Description: "b"})
	q.AssignNext("w", nil)

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats[StatusQueued])
	assert.Equal(t, 1, stats[StatusAssigned])
}
