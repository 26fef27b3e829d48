// Package session runs the per-connection WebSocket state machine:
// identify-first handshake, frame dispatch, and the outbound event
// pump. The session is the only code path that sets a message's from
// field; clients cannot spoof senders.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/agentcom/agentcom/internal/hub/auth"
	"github.com/agentcom/agentcom/internal/hub/bus"
	"github.com/agentcom/agentcom/internal/hub/channel"
	"github.com/agentcom/agentcom/internal/hub/message"
	"github.com/agentcom/agentcom/internal/hub/presence"
	"github.com/agentcom/agentcom/internal/hub/ratelimit"
	"github.com/agentcom/agentcom/internal/hub/route"
	"github.com/agentcom/agentcom/internal/hub/task"
	"github.com/agentcom/agentcom/internal/hub/taskroute"
	"github.com/agentcom/agentcom/internal/metrics"
)

// WebSocket close codes.
const (
	wsCloseKicked     = 4000
	wsCloseNoIdentify = 4002
)

// handshakeTimeout bounds how long a connection may stay
// unidentified.
const handshakeTimeout = 60 * time.Second

// outBuffer bounds the per-session outbound queue. Deliver drops when
// it is full; the mailbox covers the loss for direct messages.
const outBuffer = 64

// Deps are the hub components a session talks to.
type Deps struct {
	Auth       *auth.Store
	Presence   *presence.Registry
	Channels   *channel.Registry
	Router     *route.Router
	Tasks      *task.Queue
	TaskRouter *taskroute.Router
	Limiter    *ratelimit.Limiter
	Bus        *bus.Bus
}

// Handler returns the /ws upgrade handler. New upgrades are rejected
// once shutdownCh closes.
func Handler(deps Deps, shutdownCh <-chan struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shutdownCh != nil {
			select {
			case <-shutdownCh:
				http.Error(w, "hub is shutting down", http.StatusServiceUnavailable)
				return
			default:
			}
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Debug("ws: accept failed", "error", err)
			return
		}

		s := newSession(deps, conn)
		s.run(r.Context())
	})
}

type outEvent struct {
	kind string
	data any
}

// Session is one connected agent.
type Session struct {
	deps   Deps
	conn   *websocket.Conn
	logger *slog.Logger

	agentID string // empty until identified

	out    chan outEvent
	sub    *bus.Subscriber
	closed chan struct{}
	once   sync.Once
}

func newSession(deps Deps, conn *websocket.Conn) *Session {
	return &Session{
		deps:   deps,
		conn:   conn,
		logger: slog.With("component", "session"),
		out:    make(chan outEvent, outBuffer),
		closed: make(chan struct{}),
	}
}

// Deliver implements presence.Handle. Non-blocking: a full outbound
// queue drops the event and reports false.
func (s *Session) Deliver(kind string, data any) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.out <- outEvent{kind: kind, data: data}:
		return true
	default:
		return false
	}
}

// Kick implements presence.Handle.
func (s *Session) Kick(reason string) {
	s.shutdown(websocket.StatusCode(wsCloseKicked), reason)
}

func (s *Session) shutdown(code websocket.StatusCode, reason string) {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close(code, reason)
	})
}

func (s *Session) run(ctx context.Context) {
	defer s.cleanup()

	if !s.identifyLoop(ctx) {
		return
	}

	writerCtx, cancelWriter := context.WithCancel(ctx)
	defer cancelWriter()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(writerCtx)
	}()

	s.readLoop(ctx)
	cancelWriter()
	<-writerDone
}

func (s *Session) cleanup() {
	s.shutdown(websocket.StatusNormalClosure, "")
	if s.sub != nil {
		s.sub.Close()
	}
	if s.agentID != "" {
		s.deps.Presence.Unregister(s.agentID, s)
		s.logger.Info("session closed", "agent_id", s.agentID)
	}
	_ = s.conn.CloseNow()
}

// identifyLoop reads frames until a valid identify arrives or the
// handshake window expires. Non-identify frames get not_identified
// errors without disconnecting.
func (s *Session) identifyLoop(ctx context.Context) bool {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	for {
		f, err := s.read(hsCtx)
		if err != nil {
			_ = s.conn.Close(websocket.StatusCode(wsCloseNoIdentify), "identify required")
			return false
		}
		if f == nil {
			continue // undecodable frame, error already sent
		}
		if f.Type != typeIdentify {
			s.writeNow(hsCtx, errorFrame(errNotIdentified))
			continue
		}

		agentID, ok := s.deps.Auth.Verify(f.Token)
		if !ok {
			s.writeNow(hsCtx, errorFrame(errInvalidToken))
			continue
		}
		if agentID != f.AgentID {
			s.writeNow(hsCtx, errorFrame(errTokenAgentMismatch))
			continue
		}

		s.identify(f, agentID)
		s.writeNow(ctx, map[string]any{"type": "identified", "agent_id": agentID})
		return true
	}
}

func (s *Session) identify(f *frame, agentID string) {
	s.agentID = agentID
	s.deps.Presence.Register(agentID, presence.Meta{
		Name:         f.Name,
		Status:       f.Status,
		Capabilities: f.Capabilities,
	}, s)

	s.sub = s.deps.Bus.NewSubscriber(outBuffer)
	s.sub.Subscribe(bus.TopicMessages)
	s.sub.Subscribe(bus.TopicPresence)

	names, err := s.deps.Channels.Subscriptions(agentID)
	if err != nil {
		s.logger.Warn("loading channel subscriptions failed", "agent_id", agentID, "error", err)
	}
	for _, name := range names {
		s.sub.Subscribe(bus.TopicChannel(name))
	}
	s.logger.Info("agent identified", "agent_id", agentID, "channels", len(names))
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		f, err := s.read(ctx)
		if err != nil {
			return
		}
		if f == nil {
			continue
		}
		s.deps.Presence.Touch(s.agentID)

		if !s.checkRate(ctx, f) {
			continue
		}
		s.dispatch(ctx, f)
	}
}

// read returns (nil, nil) for frames that fail to decode; the error
// frame has already been written.
func (s *Session) read(ctx context.Context) (*frame, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		s.writeNow(ctx, errorFrame(errInvalidJSON))
		return nil, nil
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		s.writeNow(ctx, errorFrame(errInvalidJSON))
		return nil, nil
	}
	metrics.FramesReceived.WithLabelValues(f.Type).Inc()
	return &f, nil
}

func (s *Session) checkRate(ctx context.Context, f *frame) bool {
	d := s.deps.Limiter.Check(s.agentID, ratelimit.ChannelWS, tierFor(f))
	if d.Allowed() {
		return true
	}
	backoff := s.deps.Limiter.RecordViolation(s.agentID)
	retry := d.RetryAfter
	if backoff > retry {
		retry = backoff
	}
	metrics.RateLimitViolations.Inc()
	s.writeNow(ctx, map[string]any{
		"type":           "error",
		"error":          errRateLimited,
		"retry_after_ms": retry.Milliseconds(),
	})
	return false
}

func (s *Session) dispatch(ctx context.Context, f *frame) {
	switch f.Type {
	case typeIdentify:
		// Re-identify updates metadata.
		s.deps.Presence.Register(s.agentID, presence.Meta{
			Name:         f.Name,
			Status:       f.Status,
			Capabilities: f.Capabilities,
		}, s)
		s.writeNow(ctx, map[string]any{"type": "identified", "agent_id": s.agentID})

	case typeMessage:
		s.handleMessage(ctx, f)

	case typeStatus:
		s.deps.Presence.UpdateStatus(s.agentID, f.Status)

	case typePing:
		s.writeNow(ctx, map[string]any{"type": "pong"})

	case typeListAgents:
		s.writeNow(ctx, map[string]any{"type": "agents", "agents": s.deps.Presence.List()})

	case typeListChannels:
		infos, err := s.deps.Channels.List()
		if err != nil {
			s.writeNow(ctx, errorFrame(errNotFound))
			return
		}
		s.writeNow(ctx, map[string]any{"type": "channels", "channels": infos})

	case typeChannelSubscribe:
		s.handleChannelSubscribe(ctx, f)

	case typeChannelUnsubscribe:
		s.handleChannelUnsubscribe(ctx, f)

	case typeChannelPublish:
		s.handleChannelPublish(ctx, f)

	case typeChannelHistory:
		s.handleChannelHistory(ctx, f)

	case typeTaskRequest:
		s.handleTaskRequest(ctx, f)

	case typeTaskAccepted:
		t, err := s.deps.Tasks.Accept(f.TaskID, f.Generation)
		s.ackTask(ctx, f, t, "", err, errTaskAcceptFailed)

	case typeTaskProgress:
		if err := s.deps.Tasks.UpdateProgress(f.TaskID); err != nil {
			s.writeNow(ctx, errorFrame(errNotFound))
		}

	case typeTaskComplete:
		t, err := s.deps.Tasks.Complete(f.TaskID, f.Generation, f.Result)
		s.ackTask(ctx, f, t, "", err, errTaskCompleteFailed)

	case typeTaskFailed:
		t, outcome, err := s.deps.Tasks.Fail(f.TaskID, f.Generation, f.Error)
		s.ackTask(ctx, f, t, string(outcome), err, errTaskFailFailed)

	case typeTaskRecovering:
		s.handleTaskRecovering(ctx, f)

	case typeEndpointReport:
		if f.Endpoint != nil {
			s.deps.TaskRouter.Report(*f.Endpoint)
		}

	default:
		s.writeNow(ctx, errorFrame(errUnknownType))
	}
}

func (s *Session) handleMessage(ctx context.Context, f *frame) {
	kind := message.Kind(f.Kind)
	if f.Kind == "" {
		kind = message.KindChat
	}
	msg, err := message.New(s.agentID, f.To, kind, f.Payload, f.ReplyTo)
	if err != nil {
		s.writeNow(ctx, errorFrame(errInvalidMessage))
		return
	}
	outcome, err := s.deps.Router.Route(msg)
	if err != nil {
		s.writeNow(ctx, errorFrame(errNotFound))
		return
	}
	s.writeNow(ctx, map[string]any{
		"type":       "message_sent",
		"message_id": msg.ID,
		"outcome":    string(outcome),
	})
}

func (s *Session) handleChannelSubscribe(ctx context.Context, f *frame) {
	info, err := s.deps.Channels.Subscribe(f.Channel, s.agentID)
	if err != nil {
		s.writeNow(ctx, errorFrame(errChannelNotFound))
		return
	}
	s.sub.Subscribe(bus.TopicChannel(info.Name))
	s.writeNow(ctx, map[string]any{"type": "channel_subscribed", "channel": info.Name})
}

func (s *Session) handleChannelUnsubscribe(ctx context.Context, f *frame) {
	if err := s.deps.Channels.Unsubscribe(f.Channel, s.agentID); err != nil {
		s.writeNow(ctx, errorFrame(errChannelNotFound))
		return
	}
	if n, err := channel.Normalize(f.Channel); err == nil {
		s.sub.Unsubscribe(bus.TopicChannel(n))
	}
	s.writeNow(ctx, map[string]any{"type": "channel_unsubscribed", "channel": f.Channel})
}

func (s *Session) handleChannelPublish(ctx context.Context, f *frame) {
	kind := message.Kind(f.Kind)
	if f.Kind == "" {
		kind = message.KindChat
	}
	msg, err := message.New(s.agentID, f.Channel, kind, f.Payload, f.ReplyTo)
	if err != nil {
		s.writeNow(ctx, errorFrame(errInvalidMessage))
		return
	}
	seq, err := s.deps.Channels.Publish(f.Channel, msg)
	if err != nil {
		s.writeNow(ctx, errorFrame(errChannelNotFound))
		return
	}
	s.writeNow(ctx, map[string]any{
		"type":       "channel_published",
		"channel":    f.Channel,
		"message_id": msg.ID,
		"seq":        seq,
	})
}

func (s *Session) handleChannelHistory(ctx context.Context, f *frame) {
	entries, err := s.deps.Channels.History(f.Channel, f.Limit, f.Since)
	if err != nil {
		s.writeNow(ctx, errorFrame(errChannelNotFound))
		return
	}
	s.writeNow(ctx, map[string]any{
		"type":    "channel_history",
		"channel": f.Channel,
		"entries": entries,
	})
}

func (s *Session) handleTaskRequest(ctx context.Context, f *frame) {
	caps := f.Capabilities
	if caps == nil {
		if entry, ok := s.deps.Presence.Get(s.agentID); ok {
			caps = entry.Capabilities
		}
	}
	t, err := s.deps.Tasks.AssignNext(s.agentID, caps)
	if err != nil {
		s.writeNow(ctx, errorFrame(errNotFound))
		return
	}
	if t == nil {
		s.writeNow(ctx, map[string]any{"type": "task_none"})
		return
	}
	decision := s.deps.TaskRouter.Decide(t)
	s.writeNow(ctx, map[string]any{
		"type":     "task_assign",
		"task":     t,
		"decision": decision,
	})
}

func (s *Session) handleTaskRecovering(ctx context.Context, f *frame) {
	outcome, t, err := s.deps.Tasks.Recover(f.TaskID, s.agentID)
	if err != nil {
		s.writeNow(ctx, errorFrame(errNotFound))
		return
	}
	reply := map[string]any{
		"type":    "task_recover",
		"task_id": f.TaskID,
		"outcome": string(outcome),
	}
	if t != nil {
		reply["task"] = t
		reply["generation"] = t.Generation
	}
	s.writeNow(ctx, reply)
}

func (s *Session) ackTask(ctx context.Context, f *frame, t *task.Task, outcome string, err error, slug string) {
	if err != nil {
		reason := errNotFound
		if errors.Is(err, task.ErrStaleGeneration) {
			reason = "stale_generation"
		}
		s.writeNow(ctx, map[string]any{"type": "error", "error": slug, "reason": reason})
		return
	}
	reply := map[string]any{
		"type":    "task_ack",
		"op":      f.Type,
		"task_id": t.ID,
		"status":  string(t.Status),
	}
	if outcome != "" {
		reply["outcome"] = outcome
	}
	s.writeNow(ctx, reply)
}

// writeLoop pumps direct deliveries and bus events to the socket.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case ev := <-s.out:
			s.push(ctx, ev.kind, ev.data)
		case ev, ok := <-s.sub.C:
			if !ok {
				return
			}
			if s.suppressed(ev) {
				continue
			}
			s.push(ctx, ev.Kind, ev.Data)
		}
	}
}

// suppressed implements the echo rule: never push back a frame this
// session's own agent originated.
func (s *Session) suppressed(ev bus.Event) bool {
	switch data := ev.Data.(type) {
	case *message.Message:
		return data.From == s.agentID
	case presence.Entry:
		return data.AgentID == s.agentID
	case map[string]any:
		if msg, ok := data["message"].(*message.Message); ok {
			return msg.From == s.agentID
		}
		if agent, ok := data["agent_id"].(string); ok {
			return agent == s.agentID
		}
	}
	return false
}

func (s *Session) push(ctx context.Context, kind string, data any) {
	f := map[string]any{"type": kind}
	switch v := data.(type) {
	case nil:
	case *message.Message:
		f["message"] = v
	case presence.Entry:
		f["agent"] = v
	case map[string]any:
		for k, val := range v {
			f[k] = val
		}
	default:
		f["data"] = v
	}
	s.writeNow(ctx, f)
}

func (s *Session) writeNow(ctx context.Context, f map[string]any) {
	data, err := json.Marshal(f)
	if err != nil {
		s.logger.Error("marshal outbound frame failed", "error", err)
		return
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return
	}
	if t, ok := f["type"].(string); ok {
		metrics.FramesSent.WithLabelValues(t).Inc()
	}
}

func errorFrame(slug string) map[string]any {
	return map[string]any{"type": "error", "error": slug}
}
