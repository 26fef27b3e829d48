// Package route decides how a fresh message reaches its recipients:
// broadcast fan-out, direct push to a live session, or mailbox.
package route

import (
	"log/slog"

	"github.com/agentcom/agentcom/internal/hub/bus"
	"github.com/agentcom/agentcom/internal/hub/mailbox"
	"github.com/agentcom/agentcom/internal/hub/message"
	"github.com/agentcom/agentcom/internal/hub/presence"
	"github.com/agentcom/agentcom/internal/hub/thread"
	"github.com/agentcom/agentcom/internal/metrics"
)

// Outcome describes how a message was routed.
type Outcome string

const (
	Broadcast Outcome = "broadcast"
	Delivered Outcome = "delivered"
	Mailboxed Outcome = "mailboxed"
)

// Router wires presence, mailbox, thread index, and the bus.
type Router struct {
	presence *presence.Registry
	mailbox  *mailbox.Mailbox
	threads  *thread.Index
	bus      *bus.Bus
	logger   *slog.Logger
}

// New builds a Router.
func New(p *presence.Registry, m *mailbox.Mailbox, ix *thread.Index, b *bus.Bus) *Router {
	return &Router{
		presence: p,
		mailbox:  m,
		threads:  ix,
		bus:      b,
		logger:   slog.With("component", "router"),
	}
}

// Route delivers msg and reports the outcome. Undeliverable direct
// messages fall back to the recipient's mailbox rather than erroring.
// Every routed message is added to the thread index.
func (r *Router) Route(msg *message.Message) (Outcome, error) {
	if err := r.threads.Add(msg); err != nil {
		// Indexing failure degrades thread lookups, not delivery.
		r.logger.Warn("thread indexing failed", "message_id", msg.ID, "error", err)
	}

	if msg.IsBroadcast() {
		r.bus.Publish(bus.TopicMessages, "message", msg)
		metrics.MessagesRouted.WithLabelValues(string(Broadcast)).Inc()
		return Broadcast, nil
	}

	if h := r.presence.Lookup(msg.To); h != nil && h.Deliver("message", msg) {
		metrics.MessagesRouted.WithLabelValues(string(Delivered)).Inc()
		return Delivered, nil
	}

	if _, err := r.mailbox.Enqueue(msg.To, msg); err != nil {
		return "", err
	}
	metrics.MessagesRouted.WithLabelValues(string(Mailboxed)).Inc()
	return Mailboxed, nil
}
