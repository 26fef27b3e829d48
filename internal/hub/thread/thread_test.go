package thread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/internal/hub/kv"
	"github.com/agentcom/agentcom/internal/hub/message"
)

func openIndex(t *testing.T) *Index {
	t.Helper()
	store, err := kv.Open(t.TempDir(), "threads")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return Open(store)
}

func indexed(t *testing.T, ix *Index, id, replyTo string, ts int64) *message.Message {
	t.Helper()
	m := &message.Message{
		ID:          id,
		From:        "a",
		Kind:        message.KindChat,
		ReplyTo:     replyTo,
		TimestampMS: ts,
	}
	require.NoError(t, ix.Add(m))
	return m
}

func TestAddGet(t *testing.T) {
	ix := openIndex(t)
	indexed(t, ix, "m1", "", 100)

	m, err := ix.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)

	_, err = ix.Get("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdd_DedupsChildren(t *testing.T) {
	ix := openIndex(t)
	indexed(t, ix, "root", "", 100)
	indexed(t, ix, "r1", "root", 200)
	indexed(t, ix, "r1", "root", 200) // re-index

	replies, err := ix.Replies("root")
	require.NoError(t, err)
	assert.Len(t, replies, 1)
}

func TestRoot(t *testing.T) {
	ix := openIndex(t)
	indexed(t, ix, "root", "", 100)
	indexed(t, ix, "r1", "root", 200)
	indexed(t, ix, "r2", "r1", 300)

	m, err := ix.Root("r2")
	require.NoError(t, err)
	assert.Equal(t, "root", m.ID)

	// A message with no parent is its own root.
	m, err = ix.Root("root")
	require.NoError(t, err)
	assert.Equal(t, "root", m.ID)
}

func TestRoot_DanglingParent(t *testing.T) {
	ix := openIndex(t)
	indexed(t, ix, "orphan", "never-indexed", 100)

	m, err := ix.Root("orphan")
	require.NoError(t, err)
	assert.Equal(t, "orphan", m.ID)
}

func TestReplies_SortedByTimestamp(t *testing.T) {
	ix := openIndex(t)
	indexed(t, ix, "root", "", 100)
	indexed(t, ix, "late", "root", 300)
	indexed(t, ix, "early", "root", 200)

	replies, err := ix.Replies("root")
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, "early", replies[0].ID)
	assert.Equal(t, "late", replies[1].ID)
}

func TestThread_DepthFirst(t *testing.T) {
	ix := openIndex(t)
	indexed(t, ix, "root", "", 100)
	indexed(t, ix, "a", "root", 200)
	indexed(t, ix, "b", "root", 400)
	indexed(t, ix, "a1", "a", 300)

	// Thread lookup from any member yields the same flattening.
	for _, start := range []string{"root", "a1", "b"} {
		msgs, err := ix.Thread(start)
		require.NoError(t, err)
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		assert.Equal(t, []string{"root", "a", "a1", "b"}, ids, "start=%s", start)
	}
}

func TestThread_CycleGuard(t *testing.T) {
	ix := openIndex(t)
	// Two messages replying to each other must not loop the walk.
	indexed(t, ix, "x", "y", 100)
	indexed(t, ix, "y", "x", 200)

	msgs, err := ix.Thread("x")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}
