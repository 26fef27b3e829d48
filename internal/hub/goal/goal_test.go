package goal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/internal/hub/bus"
	"github.com/agentcom/agentcom/internal/hub/kv"
)

func intptr(v int) *int { return &v }

func openBacklog(t *testing.T) (*Backlog, *bus.Bus) {
	t.Helper()
	store, err := kv.Open(t.TempDir(), "goal_backlog")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := bus.New()
	bl, err := Open(store, b)
	require.NoError(t, err)
	return bl, b
}

func TestSubmit_Defaults(t *testing.T) {
	bl, b := openBacklog(t)
	sub := b.NewSubscriber(4)
	sub.Subscribe(bus.TopicGoals)

	g, err := bl.Submit(Params{Description: "ship it"})
	require.NoError(t, err)

	assert.Regexp(t, `^goal-[0-9a-f]{16}$`, g.ID)
	assert.Equal(t, PriorityNormal, g.Priority)
	assert.Equal(t, StatusSubmitted, g.Status)
	require.Len(t, g.History, 1)
	assert.Equal(t, StatusSubmitted, g.History[0].Status)

	ev := <-sub.C
	assert.Equal(t, "goal_submitted", ev.Kind)
}

func TestSubmit_ClampsPriority(t *testing.T) {
	bl, _ := openBacklog(t)

	g, err := bl.Submit(Params{Description: "x", Priority: intptr(99)})
	require.NoError(t, err)
	assert.Equal(t, PriorityMax, g.Priority)

	g, err = bl.Submit(Params{Description: "x", Priority: intptr(-5)})
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, g.Priority)
}

func TestTransition_HappyPath(t *testing.T) {
	bl, _ := openBacklog(t)
	g, _ := bl.Submit(Params{Description: "x"})

	for _, s := range []Status{StatusDecomposing, StatusExecuting, StatusVerifying, StatusComplete} {
		updated, err := bl.Transition(g.ID, s, "")
		require.NoError(t, err)
		assert.Equal(t, s, updated.Status)
	}

	got, err := bl.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	assert.Len(t, got.History, 5)
}

func TestTransition_Invalid(t *testing.T) {
	bl, _ := openBacklog(t)
	g, _ := bl.Submit(Params{Description: "x"})

	_, err := bl.Transition(g.ID, StatusComplete, "")
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StatusSubmitted, ite.From)
	assert.Equal(t, StatusComplete, ite.To)
}

func TestTransition_VerifyingRetriesToExecuting(t *testing.T) {
	bl, _ := openBacklog(t)
	g, _ := bl.Submit(Params{Description: "x"})
	bl.Transition(g.ID, StatusDecomposing, "")
	bl.Transition(g.ID, StatusExecuting, "")
	bl.Transition(g.ID, StatusVerifying, "")

	updated, err := bl.Transition(g.ID, StatusExecuting, "verification failed")
	require.NoError(t, err)
	assert.Equal(t, StatusExecuting, updated.Status)
}

func TestDequeue_PriorityOrder(t *testing.T) {
	bl, _ := openBacklog(t)

	low, _ := bl.Submit(Params{Description: "low", Priority: intptr(3)})
	urgent, _ := bl.Submit(Params{Description: "urgent", Priority: intptr(0)})
	normal, _ := bl.Submit(Params{Description: "normal"})

	for _, want := range []string{urgent.ID, normal.ID, low.ID} {
		g, err := bl.Dequeue()
		require.NoError(t, err)
		require.NotNil(t, g)
		assert.Equal(t, want, g.ID)
		assert.Equal(t, StatusDecomposing, g.Status)
	}

	g, err := bl.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestDequeue_SkipsDeletedGoal(t *testing.T) {
	bl, _ := openBacklog(t)

	doomed, _ := bl.Submit(Params{Description: "doomed", Priority: intptr(0)})
	survivor, _ := bl.Submit(Params{Description: "survivor"})

	require.NoError(t, bl.Delete(doomed.ID))

	g, err := bl.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, survivor.ID, g.ID)
}

func TestList_FiltersAndOrder(t *testing.T) {
	bl, _ := openBacklog(t)

	bl.Submit(Params{Description: "a", Priority: intptr(3), Tags: []string{"infra"}})
	b, _ := bl.Submit(Params{Description: "b", Priority: intptr(1)})
	bl.Transition(b.ID, StatusDecomposing, "")

	all, err := bl.List(Filters{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID)

	submitted, err := bl.List(Filters{Status: StatusSubmitted})
	require.NoError(t, err)
	require.Len(t, submitted, 1)

	tagged, err := bl.List(Filters{Tag: "infra"})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, "a", tagged[0].Description)
}

func TestStats(t *testing.T) {
	bl, _ := openBacklog(t)
	bl.Submit(Params{Description: "a"})
	g, _ := bl.Submit(Params{Description: "b"})
	bl.Transition(g.ID, StatusDecomposing, "")

	s, err := bl.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.ByStatus[StatusSubmitted])
	assert.Equal(t, 1, s.ByStatus[StatusDecomposing])
}

func TestAttachTask(t *testing.T) {
	bl, _ := openBacklog(t)
	g, _ := bl.Submit(Params{Description: "x"})

	require.NoError(t, bl.AttachTask(g.ID, "task-1"))
	require.NoError(t, bl.AttachTask(g.ID, "task-1")) // idempotent

	got, err := bl.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1"}, got.ChildTaskIDs)
}

func TestOpen_RebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	store, err := kv.Open(dir, "goal_backlog")
	require.NoError(t, err)

	bl, err := Open(store, bus.New())
	require.NoError(t, err)
	g, _ := bl.Submit(Params{Description: "x", Priority: intptr(0)})
	done, _ := bl.Submit(Params{Description: "y"})
	bl.Transition(done.ID, StatusDecomposing, "")
	require.NoError(t, store.Close())

	store, err = kv.Open(dir, "goal_backlog")
	require.NoError(t, err)
	defer store.Close()

	bl2, err := Open(store, bus.New())
	require.NoError(t, err)

	// Only the still-submitted goal is dequeueable.
	got, err := bl2.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, g.ID, got.ID)

	got, err = bl2.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, got)
}
