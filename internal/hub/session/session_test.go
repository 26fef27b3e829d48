package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/internal/hub/auth"
	"github.com/agentcom/agentcom/internal/hub/bus"
	"github.com/agentcom/agentcom/internal/hub/channel"
	"github.com/agentcom/agentcom/internal/hub/kv"
	"github.com/agentcom/agentcom/internal/hub/mailbox"
	"github.com/agentcom/agentcom/internal/hub/presence"
	"github.com/agentcom/agentcom/internal/hub/ratelimit"
	"github.com/agentcom/agentcom/internal/hub/route"
	"github.com/agentcom/agentcom/internal/hub/task"
	"github.com/agentcom/agentcom/internal/hub/taskroute"
	"github.com/agentcom/agentcom/internal/hub/thread"
	"github.com/agentcom/agentcom/internal/util/testutil"
)

type testHub struct {
	deps   Deps
	server *httptest.Server
	tokens map[string]string // agent_id -> token
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	dir := t.TempDir()

	open := func(table string) *kv.Store {
		store, err := kv.Open(dir, table)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	}

	authStore, err := auth.Load(dir + "/tokens.json")
	require.NoError(t, err)

	b := bus.New()
	p := presence.New(b)
	mb, err := mailbox.Open(open("mailbox"), 100, 24*time.Hour)
	require.NoError(t, err)
	ix := thread.Open(open("threads"))
	ch := channel.Open(open("channels"), b, 50)
	q := task.Open(open("task_queue"), b)

	deps := Deps{
		Auth:       authStore,
		Presence:   p,
		Channels:   ch,
		Router:     route.New(p, mb, ix, b),
		Tasks:      q,
		TaskRouter: taskroute.New("premium-xl"),
		Limiter:    ratelimit.New(ratelimit.DefaultConfig()),
		Bus:        b,
	}

	server := httptest.NewServer(Handler(deps, nil))
	t.Cleanup(server.Close)

	h := &testHub{deps: deps, server: server, tokens: map[string]string{}}
	for _, agent := range []string{"alice", "bob", "worker"} {
		token, err := authStore.Generate(agent)
		require.NoError(t, err)
		h.tokens[agent] = token
	}
	return h
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	ctx  context.Context
}

func (h *testHub) dial(t *testing.T) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, h.server.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return &client{t: t, conn: conn, ctx: ctx}
}

func (h *testHub) identified(t *testing.T, agent string) *client {
	t.Helper()
	c := h.dial(t)
	c.send(map[string]any{"type": "identify", "agent_id": agent, "token": h.tokens[agent]})
	reply := c.recv()
	require.Equal(t, "identified", reply["type"])
	return c
}

func (c *client) send(f map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(f)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.Write(c.ctx, websocket.MessageText, data))
}

func (c *client) recv() map[string]any {
	c.t.Helper()
	_, data, err := c.conn.Read(c.ctx)
	require.NoError(c.t, err)
	var f map[string]any
	require.NoError(c.t, json.Unmarshal(data, &f))
	return f
}

// recvType reads frames until one of the wanted type arrives,
// skipping interleaved presence pushes.
func (c *client) recvType(want string) map[string]any {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		f := c.recv()
		if f["type"] == want {
			return f
		}
	}
	c.t.Fatalf("frame of type %q never arrived", want)
	return nil
}

func TestIdentify_InvalidToken(t *testing.T) {
	h := newTestHub(t)
	c := h.dial(t)

	c.send(map[string]any{"type": "identify", "agent_id": "alice", "token": "bogus"})
	f := c.recv()
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, "invalid_token", f["error"])

	// The connection survives; a correct identify still works.
	c.send(map[string]any{"type": "identify", "agent_id": "alice", "token": h.tokens["alice"]})
	assert.Equal(t, "identified", c.recv()["type"])
}

func TestIdentify_TokenAgentMismatch(t *testing.T) {
	h := newTestHub(t)
	c := h.dial(t)

	c.send(map[string]any{"type": "identify", "agent_id": "alice", "token": h.tokens["bob"]})
	f := c.recv()
	assert.Equal(t, "token_agent_mismatch", f["error"])
}

func TestIdentify_FrameBeforeIdentify(t *testing.T) {
	h := newTestHub(t)
	c := h.dial(t)

	c.send(map[string]any{"type": "ping"})
	f := c.recv()
	assert.Equal(t, "not_identified", f["error"])
}

func TestIdentify_RegistersPresence(t *testing.T) {
	h := newTestHub(t)
	h.identified(t, "alice")

	testutil.AssertEventually(t, func() bool {
		return h.deps.Presence.IsOnline("alice")
	}, "alice never appeared in presence")
}

func TestPingPong(t *testing.T) {
	h := newTestHub(t)
	c := h.identified(t, "alice")

	c.send(map[string]any{"type": "ping"})
	assert.Equal(t, "pong", c.recvType("pong")["type"])
}

func TestDirectMessageDelivery(t *testing.T) {
	h := newTestHub(t)
	alice := h.identified(t, "alice")
	bob := h.identified(t, "bob")

	alice.send(map[string]any{
		"type": "message", "to": "bob", "kind": "chat",
		"payload": map[string]any{"text": "hello"},
	})

	sent := alice.recvType("message_sent")
	assert.Equal(t, "delivered", sent["outcome"])

	pushed := bob.recvType("message")
	msg := pushed["message"].(map[string]any)
	assert.Equal(t, "alice", msg["from"])
	assert.Equal(t, "hello", msg["payload"].(map[string]any)["text"])
}

func TestDirectMessageOfflineGoesToMailbox(t *testing.T) {
	h := newTestHub(t)
	alice := h.identified(t, "alice")

	alice.send(map[string]any{
		"type": "message", "to": "ghost",
		"payload": map[string]any{"text": "later"},
	})
	sent := alice.recvType("message_sent")
	assert.Equal(t, "mailboxed", sent["outcome"])
}

func TestBroadcastSkipsSender(t *testing.T) {
	h := newTestHub(t)
	alice := h.identified(t, "alice")
	bob := h.identified(t, "bob")

	alice.send(map[string]any{
		"type": "message", "payload": map[string]any{"text": "all hands"},
	})
	sent := alice.recvType("message_sent")
	assert.Equal(t, "broadcast", sent["outcome"])

	pushed := bob.recvType("message")
	assert.Equal(t, "alice", pushed["message"].(map[string]any)["from"])

	// The sender gets message_sent but never its own broadcast back.
	alice.send(map[string]any{"type": "ping"})
	f := alice.recvType("pong")
	assert.Equal(t, "pong", f["type"])
}

func TestChannelPublishAndHistory(t *testing.T) {
	h := newTestHub(t)
	alice := h.identified(t, "alice")
	bob := h.identified(t, "bob")

	alice.send(map[string]any{"type": "channel_subscribe", "channel": "Dev"})
	assert.Equal(t, "dev", alice.recvType("channel_subscribed")["channel"])

	bob.send(map[string]any{"type": "channel_subscribe", "channel": "dev"})
	bob.recvType("channel_subscribed")

	alice.send(map[string]any{
		"type": "channel_publish", "channel": "dev",
		"payload": map[string]any{"text": "standup"},
	})
	published := alice.recvType("channel_published")
	assert.Equal(t, float64(1), published["seq"])

	pushed := bob.recvType("channel_message")
	assert.Equal(t, "dev", pushed["channel"])

	bob.send(map[string]any{"type": "channel_history", "channel": "dev"})
	hist := bob.recvType("channel_history")
	assert.Len(t, hist["entries"], 1)
}

func TestChannelPublishUnknown(t *testing.T) {
	h := newTestHub(t)
	alice := h.identified(t, "alice")

	alice.send(map[string]any{"type": "channel_publish", "channel": "nope"})
	f := alice.recvType("error")
	assert.Equal(t, "channel_not_found", f["error"])
}

func TestTaskLifecycleOverWS(t *testing.T) {
	h := newTestHub(t)
	_, err := h.deps.Tasks.Enqueue(task.Params{Description: "build the thing"})
	require.NoError(t, err)

	worker := h.identified(t, "worker")

	worker.send(map[string]any{"type": "task_request"})
	assign := worker.recvType("task_assign")
	taskData := assign["task"].(map[string]any)
	taskID := taskData["id"].(string)
	gen := taskData["generation"].(float64)
	require.NotNil(t, assign["decision"])

	worker.send(map[string]any{"type": "task_accepted", "task_id": taskID, "generation": gen})
	ack := worker.recvType("task_ack")
	assert.Equal(t, "working", ack["status"])

	worker.send(map[string]any{
		"type": "task_complete", "task_id": taskID, "generation": gen,
		"result": map[string]any{"ok": true},
	})
	ack = worker.recvType("task_ack")
	assert.Equal(t, "complete", ack["status"])
}

func TestTaskCompleteStaleGeneration(t *testing.T) {
	h := newTestHub(t)
	enqueued, err := h.deps.Tasks.Enqueue(task.Params{Description: "x"})
	require.NoError(t, err)
	_, err = h.deps.Tasks.AssignNext("worker", nil)
	require.NoError(t, err)

	worker := h.identified(t, "worker")
	worker.send(map[string]any{
		"type": "task_complete", "task_id": enqueued.ID, "generation": 99,
	})
	f := worker.recvType("error")
	assert.Equal(t, "task_complete_failed", f["error"])
	assert.Equal(t, "stale_generation", f["reason"])
}

func TestTaskRequestEmptyQueue(t *testing.T) {
	h := newTestHub(t)
	worker := h.identified(t, "worker")

	worker.send(map[string]any{"type": "task_request"})
	assert.Equal(t, "task_none", worker.recvType("task_none")["type"])
}

func TestEndpointReport(t *testing.T) {
	h := newTestHub(t)
	worker := h.identified(t, "worker")

	worker.send(map[string]any{
		"type": "endpoint_report",
		"endpoint": map[string]any{
			"id": "ep-1", "status": "healthy", "models": []string{"m"},
		},
	})
	worker.send(map[string]any{"type": "ping"})
	worker.recvType("pong")

	eps := h.deps.TaskRouter.Endpoints()
	require.Len(t, eps, 1)
	assert.Equal(t, "ep-1", eps[0].ID)
}

func TestRateLimitedFrame(t *testing.T) {
	h := newTestHub(t)
	lim := ratelimit.Limit{Capacity: 1, RefillPerSec: 0.1}
	h.deps.Limiter.SetOverride("alice", ratelimit.TierNormal, lim)

	alice := h.identified(t, "alice")

	alice.send(map[string]any{"type": "message", "to": "bob", "payload": map[string]any{}})
	alice.recvType("message_sent")

	alice.send(map[string]any{"type": "message", "to": "bob", "payload": map[string]any{}})
	f := alice.recvType("error")
	assert.Equal(t, "rate_limited", f["error"])
	assert.Greater(t, f["retry_after_ms"].(float64), float64(0))
}

func TestUnknownFrameType(t *testing.T) {
	h := newTestHub(t)
	alice := h.identified(t, "alice")

	alice.send(map[string]any{"type": "frobnicate"})
	f := alice.recvType("error")
	assert.Equal(t, "unknown_message_type", f["error"])
}

func TestInvalidJSON(t *testing.T) {
	h := newTestHub(t)
	alice := h.identified(t, "alice")

	require.NoError(t, alice.conn.Write(alice.ctx, websocket.MessageText, []byte("{nope")))
	f := alice.recvType("error")
	assert.Equal(t, "invalid_json", f["error"])
}

func TestShutdownRejectsUpgrades(t *testing.T) {
	h := newTestHub(t)
	shutdownCh := make(chan struct{})
	server := httptest.NewServer(Handler(h.deps, shutdownCh))
	t.Cleanup(server.Close)

	close(shutdownCh)
	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDisconnectUnregistersPresence(t *testing.T) {
	h := newTestHub(t)
	alice := h.identified(t, "alice")

	testutil.RequireEventually(t, func() bool {
		return h.deps.Presence.IsOnline("alice")
	}, "alice never registered")

	_ = alice.conn.Close(websocket.StatusNormalClosure, "")

	testutil.AssertEventually(t, func() bool {
		return !h.deps.Presence.IsOnline("alice")
	}, "alice never unregistered")
}
