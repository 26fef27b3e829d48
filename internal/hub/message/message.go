// Package message defines the hub's message model.
package message

import (
	"errors"
	"time"

	"github.com/agentcom/agentcom/internal/hub/id"
)

// Kind enumerates the message kinds carried on the wire.
type Kind string

const (
	KindChat     Kind = "chat"
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindStatus   Kind = "status"
	KindPing     Kind = "ping"
)

// Broadcast is the reserved recipient meaning "every connected agent".
const Broadcast = "broadcast"

var (
	ErrEmptyFrom   = errors.New("message: from must not be empty")
	ErrInvalidKind = errors.New("message: invalid kind")
)

// Message is a single hub message. ID is unique globally and
// TimestampMS is assigned once on creation and never mutated.
type Message struct {
	ID          string         `json:"id"`
	From        string         `json:"from"`
	To          string         `json:"to,omitempty"` // agent id, channel name, or empty for broadcast
	Kind        Kind           `json:"kind"`
	Payload     map[string]any `json:"payload,omitempty"`
	ReplyTo     string         `json:"reply_to,omitempty"`
	TimestampMS int64          `json:"timestamp_ms"`
}

// New builds a validated message with a fresh id and timestamp.
func New(from, to string, kind Kind, payload map[string]any, replyTo string) (*Message, error) {
	m := &Message{
		ID:          id.Message(),
		From:        from,
		To:          to,
		Kind:        kind,
		Payload:     payload,
		ReplyTo:     replyTo,
		TimestampMS: time.Now().UnixMilli(),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the message invariants.
func (m *Message) Validate() error {
	if m.From == "" {
		return ErrEmptyFrom
	}
	switch m.Kind {
	case KindChat, KindRequest, KindResponse, KindStatus, KindPing:
		return nil
	default:
		return ErrInvalidKind
	}
}

// IsBroadcast reports whether the message targets every agent.
func (m *Message) IsBroadcast() bool {
	return m.To == "" || m.To == Broadcast
}
