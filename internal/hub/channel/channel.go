// Package channel implements named multi-subscriber topics with
// durable subscriber sets and ring-buffered message history.
package channel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentcom/agentcom/internal/hub/bus"
	"github.com/agentcom/agentcom/internal/hub/kv"
	"github.com/agentcom/agentcom/internal/hub/message"
	"github.com/agentcom/agentcom/internal/hub/msgcodec"
	"github.com/agentcom/agentcom/internal/metrics"
)

// DefaultHistoryLimit bounds each channel's retained history.
const DefaultHistoryLimit = 100

var (
	ErrNotFound    = errors.New("channel: not found")
	ErrInvalidName = errors.New("channel: invalid name")
)

// Info is the durable per-channel record.
type Info struct {
	Name        string   `json:"name"`
	Subscribers []string `json:"subscribers"`
	Seq         uint64   `json:"seq"`
	CreatedAtMS int64    `json:"created_at_ms"`
}

// HistoryEntry is one retained channel message.
type HistoryEntry struct {
	Seq     uint64           `json:"seq"`
	Message *message.Message `json:"message"`
}

// Registry manages all channels over a kv table. Per-channel seq is
// monotonic and increases by exactly one per publish.
type Registry struct {
	mu         sync.Mutex
	store      *kv.Store
	bus        *bus.Bus
	historyMax int
	nowMS      func() int64
}

// Open wraps a kv table as the channel registry.
func Open(store *kv.Store, b *bus.Bus, historyMax int) *Registry {
	return &Registry{
		store:      store,
		bus:        b,
		historyMax: historyMax,
		nowMS:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Normalize maps a user-supplied channel name to its persistent key
// form. Returns ErrInvalidName for names that normalize to empty or
// contain "|", which is reserved as the storage key delimiter.
func Normalize(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" || strings.Contains(n, "|") {
		return "", ErrInvalidName
	}
	return n, nil
}

// Subscribe adds the agent to the channel, creating the channel on
// first subscription. Idempotent.
func (r *Registry) Subscribe(name, agent string) (Info, error) {
	n, err := Normalize(name)
	if err != nil {
		return Info{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := r.load(n)
	if errors.Is(err, ErrNotFound) {
		info = Info{Name: n, CreatedAtMS: r.nowMS()}
	} else if err != nil {
		return Info{}, err
	}

	for _, s := range info.Subscribers {
		if s == agent {
			return info, nil
		}
	}
	info.Subscribers = append(info.Subscribers, agent)
	sort.Strings(info.Subscribers)

	if err := r.save(info); err != nil {
		return Info{}, err
	}
	r.bus.Publish(bus.TopicChannel(n), "channel_subscribed", map[string]any{
		"channel": n, "agent_id": agent,
	})
	return info, nil
}

// Unsubscribe removes the agent from the channel. Unsubscribing from
// an unknown channel returns ErrNotFound.
func (r *Registry) Unsubscribe(name, agent string) error {
	n, err := Normalize(name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := r.load(n)
	if err != nil {
		return err
	}

	kept := info.Subscribers[:0]
	for _, s := range info.Subscribers {
		if s != agent {
			kept = append(kept, s)
		}
	}
	info.Subscribers = kept
	return r.save(info)
}

// Publish appends msg to the channel history under the next seq and
// fans it out on the channel topic. The publisher relies on session
// echo suppression, not on being excluded from the topic.
func (r *Registry) Publish(name string, msg *message.Message) (uint64, error) {
	n, err := Normalize(name)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	info, err := r.load(n)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}

	info.Seq++
	entry := HistoryEntry{Seq: info.Seq, Message: msg}
	data, err := msgcodec.Marshal(entry)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	if err := r.store.Put(histKey(n, entry.Seq), data); err != nil {
		r.mu.Unlock()
		return 0, err
	}
	if err := r.save(info); err != nil {
		r.mu.Unlock()
		return 0, err
	}
	if err := r.trimHistory(n); err != nil {
		r.mu.Unlock()
		return 0, err
	}
	r.mu.Unlock()

	metrics.ChannelPublished.Inc()
	r.bus.Publish(bus.TopicChannel(n), "channel_message", map[string]any{
		"channel": n, "seq": entry.Seq, "message": msg,
	})
	return entry.Seq, nil
}

// History returns up to limit entries with seq > since, in seq order.
// limit <= 0 means the full retained window.
func (r *Registry) History(name string, limit int, since uint64) ([]HistoryEntry, error) {
	n, err := Normalize(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.load(n); err != nil {
		return nil, err
	}

	pairs, err := r.store.Select(histPrefix(n))
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(pairs))
	for _, p := range pairs {
		var e HistoryEntry
		if err := msgcodec.Unmarshal(p.Value, &e); err != nil {
			return nil, fmt.Errorf("decode history entry %s: %w", p.Key, err)
		}
		if e.Seq <= since {
			continue
		}
		entries = append(entries, e)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Get returns the channel record.
func (r *Registry) Get(name string) (Info, error) {
	n, err := Normalize(name)
	if err != nil {
		return Info{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(n)
}

// List returns all channels sorted by name.
func (r *Registry) List() ([]Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pairs, err := r.store.Select(metaPrefix)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(pairs))
	for _, p := range pairs {
		var info Info
		if err := msgcodec.Unmarshal(p.Value, &info); err != nil {
			return nil, fmt.Errorf("decode channel %s: %w", p.Key, err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Subscriptions returns the names of every channel the agent belongs
// to, used to resubscribe a reconnecting session.
func (r *Registry) Subscriptions(agent string) ([]string, error) {
	infos, err := r.List()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, info := range infos {
		for _, s := range info.Subscribers {
			if s == agent {
				names = append(names, info.Name)
				break
			}
		}
	}
	return names, nil
}

// trimHistory deletes the lowest-seq entries past the retention cap.
// Callers must hold r.mu.
func (r *Registry) trimHistory(name string) error {
	pairs, err := r.store.Select(histPrefix(name))
	if err != nil {
		return err
	}
	excess := len(pairs) - r.historyMax
	for i := 0; i < excess; i++ {
		if err := r.store.Delete(pairs[i].Key); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) load(name string) (Info, error) {
	data, err := r.store.Get(metaKey(name))
	if errors.Is(err, kv.ErrNotFound) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := msgcodec.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("decode channel %s: %w", name, err)
	}
	return info, nil
}

func (r *Registry) save(info Info) error {
	data, err := msgcodec.Marshal(info)
	if err != nil {
		return err
	}
	return r.store.Put(metaKey(info.Name), data)
}

// Key layout keeps channel metadata and history in one table:
// "meta|<name>" and "hist|<name>|<seq padded to 20 digits>".
const metaPrefix = "meta|"

func metaKey(name string) string    { return metaPrefix + name }
func histPrefix(name string) string { return "hist|" + name + "|" }

func histKey(name string, seq uint64) string {
	return fmt.Sprintf("hist|%s|%020d", name, seq)
}
