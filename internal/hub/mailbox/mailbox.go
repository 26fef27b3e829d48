// Package mailbox stores messages for offline recipients in a durable
// per-agent queue consumed by HTTP polling with a monotonic cursor.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentcom/agentcom/internal/hub/kv"
	"github.com/agentcom/agentcom/internal/hub/message"
	"github.com/agentcom/agentcom/internal/hub/msgcodec"
	"github.com/agentcom/agentcom/internal/metrics"
)

// DefaultMaxPerAgent caps each agent's mailbox; the oldest entries are
// trimmed past it.
const DefaultMaxPerAgent = 100

// ErrInvalidAgent rejects agent ids that are empty or contain "|",
// which is reserved as the storage key delimiter.
var ErrInvalidAgent = errors.New("invalid agent id")

func validateAgent(agent string) error {
	if agent == "" || strings.Contains(agent, "|") {
		return ErrInvalidAgent
	}
	return nil
}

// Entry is one stored mailbox item.
type Entry struct {
	Seq        uint64           `json:"seq"`
	Message    *message.Message `json:"message"`
	StoredAtMS int64            `json:"stored_at_ms"`
}

// Mailbox is the hub-global mailbox. The sequence counter is
// process-wide monotonic and recovered from storage on startup.
type Mailbox struct {
	store       *kv.Store
	maxPerAgent int
	ttl         time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	seq   uint64
	nowMS func() int64
}

// Open wraps a kv table as the mailbox, scanning it to recover the
// highest issued sequence number.
func Open(store *kv.Store, maxPerAgent int, ttl time.Duration) (*Mailbox, error) {
	m := &Mailbox{
		store:       store,
		maxPerAgent: maxPerAgent,
		ttl:         ttl,
		logger:      slog.With("component", "mailbox"),
		nowMS:       func() int64 { return time.Now().UnixMilli() },
	}

	err := store.ForEach(func(k string, _ []byte) error {
		if seq, ok := seqFromKey(k); ok && seq > m.seq {
			m.seq = seq
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover mailbox seq: %w", err)
	}
	return m, nil
}

// Enqueue stores a message for agent under the next global sequence
// number and trims the agent's mailbox to the cap.
func (m *Mailbox) Enqueue(agent string, msg *message.Message) (uint64, error) {
	if err := validateAgent(agent); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	entry := Entry{Seq: m.seq, Message: msg, StoredAtMS: m.nowMS()}

	data, err := msgcodec.Marshal(entry)
	if err != nil {
		m.seq--
		return 0, err
	}
	if err := m.store.Put(entryKey(agent, entry.Seq), data); err != nil {
		m.seq--
		return 0, err
	}
	metrics.MailboxEnqueued.Inc()

	if err := m.trim(agent); err != nil {
		// The new entry is stored; trimming failure only delays the cap.
		m.logger.Warn("mailbox trim failed", "agent", agent, "error", err)
	}
	return entry.Seq, nil
}

// Poll returns the agent's entries with seq > since in ascending
// order, along with the last sequence in the batch (or since when the
// batch is empty).
func (m *Mailbox) Poll(agent string, since uint64) ([]Entry, uint64, error) {
	if err := validateAgent(agent); err != nil {
		return nil, 0, err
	}

	pairs, err := m.store.Select(agentPrefix(agent))
	if err != nil {
		return nil, 0, err
	}

	entries := make([]Entry, 0, len(pairs))
	last := since
	for _, p := range pairs {
		var e Entry
		if err := msgcodec.Unmarshal(p.Value, &e); err != nil {
			return nil, 0, fmt.Errorf("decode mailbox entry %s: %w", p.Key, err)
		}
		if e.Seq <= since {
			continue
		}
		entries = append(entries, e)
		if e.Seq > last {
			last = e.Seq
		}
	}
	return entries, last, nil
}

// Ack deletes all of the agent's entries with seq <= upTo and returns
// how many were removed.
func (m *Mailbox) Ack(agent string, upTo uint64) (int, error) {
	if err := validateAgent(agent); err != nil {
		return 0, err
	}

	pairs, err := m.store.Select(agentPrefix(agent))
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, p := range pairs {
		seq, ok := seqFromKey(p.Key)
		if !ok || seq > upTo {
			continue
		}
		if err := m.store.Delete(p.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Pending returns the agent's current entry count.
func (m *Mailbox) Pending(agent string) (int, error) {
	if err := validateAgent(agent); err != nil {
		return 0, err
	}

	pairs, err := m.store.Select(agentPrefix(agent))
	if err != nil {
		return 0, err
	}
	return len(pairs), nil
}

// EvictExpired removes entries stored longer ago than the TTL. This is
// the single eviction entrypoint; RunEviction drives it on a timer.
func (m *Mailbox) EvictExpired() (int, error) {
	cutoff := m.nowMS() - m.ttl.Milliseconds()

	pairs, err := m.store.Select("")
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, p := range pairs {
		var e Entry
		if err := msgcodec.Unmarshal(p.Value, &e); err != nil {
			// An undecodable entry can never be delivered; drop it.
			m.logger.Warn("dropping undecodable mailbox entry", "key", p.Key, "error", err)
			_ = m.store.Delete(p.Key)
			continue
		}
		if e.StoredAtMS >= cutoff {
			continue
		}
		if err := m.store.Delete(p.Key); err != nil {
			return evicted, err
		}
		evicted++
	}
	if evicted > 0 {
		metrics.MailboxEvicted.WithLabelValues("ttl").Add(float64(evicted))
	}
	return evicted, nil
}

// RunEviction runs EvictExpired on the given interval until ctx is
// cancelled. Errors are logged, never surfaced.
func (m *Mailbox) RunEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.EvictExpired()
			if err != nil {
				m.logger.Error("mailbox eviction failed", "error", err)
			} else if n > 0 {
				m.logger.Info("evicted expired mailbox entries", "count", n)
			}
		}
	}
}

// trim deletes the lowest-seq entries past the per-agent cap. Callers
// must hold m.mu.
func (m *Mailbox) trim(agent string) error {
	pairs, err := m.store.Select(agentPrefix(agent))
	if err != nil {
		return err
	}
	excess := len(pairs) - m.maxPerAgent
	for i := 0; i < excess; i++ {
		if err := m.store.Delete(pairs[i].Key); err != nil {
			return err
		}
		metrics.MailboxEvicted.WithLabelValues("cap").Inc()
	}
	return nil
}

// Key layout: "<agent>|<seq padded to 20 digits>". Zero-padding keeps
// lexical key order equal to numeric seq order.
func agentPrefix(agent string) string {
	return agent + "|"
}

func entryKey(agent string, seq uint64) string {
	return fmt.Sprintf("%s|%020d", agent, seq)
}

func seqFromKey(key string) (uint64, bool) {
	i := strings.LastIndexByte(key, '|')
	if i < 0 {
		return 0, false
	}
	seq, err := strconv.ParseUint(key[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
