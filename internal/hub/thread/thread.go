// Package thread maintains the reply-chain index: message_id → message
// plus parent_id → children, enough to reconstruct whole threads.
package thread

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/agentcom/agentcom/internal/hub/kv"
	"github.com/agentcom/agentcom/internal/hub/message"
	"github.com/agentcom/agentcom/internal/hub/msgcodec"
)

var ErrNotFound = errors.New("thread: message not found")

// Index stores routed messages and their reply edges in a kv table.
type Index struct {
	mu    sync.Mutex
	store *kv.Store
}

// Open wraps a kv table as the thread index.
func Open(store *kv.Store) *Index {
	return &Index{store: store}
}

// Add records the message and, when it replies to another, appends it
// to the parent's children list. Re-indexing the same id is a no-op on
// the children list.
func (ix *Index) Add(msg *message.Message) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	data, err := msgcodec.Marshal(msg)
	if err != nil {
		return err
	}
	if err := ix.store.Put(msgKey(msg.ID), data); err != nil {
		return err
	}

	if msg.ReplyTo == "" {
		return nil
	}
	children, err := ix.children(msg.ReplyTo)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c == msg.ID {
			return nil
		}
	}
	children = append(children, msg.ID)
	cdata, err := msgcodec.Marshal(children)
	if err != nil {
		return err
	}
	return ix.store.Put(childKey(msg.ReplyTo), cdata)
}

// Get returns the indexed message by id.
func (ix *Index) Get(id string) (*message.Message, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.load(id)
}

// Root walks reply_to pointers upward and returns the thread root. A
// message with an unindexed or absent parent is its own root.
func (ix *Index) Root(id string) (*message.Message, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.root(id)
}

// Replies returns the direct children of id, sorted by timestamp.
func (ix *Index) Replies(id string) ([]*message.Message, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, err := ix.load(id); err != nil {
		return nil, err
	}
	ids, err := ix.children(id)
	if err != nil {
		return nil, err
	}
	msgs := make([]*message.Message, 0, len(ids))
	for _, cid := range ids {
		m, err := ix.load(cid)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	sortByTimestamp(msgs)
	return msgs, nil
}

// Thread returns the full thread containing id: the root followed by
// its subtree collected depth first, each sibling group sorted by
// timestamp. A seen-set guards against reply cycles.
func (ix *Index) Thread(id string) ([]*message.Message, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	root, err := ix.root(id)
	if err != nil {
		return nil, err
	}

	var out []*message.Message
	seen := map[string]bool{}
	var walk func(m *message.Message) error
	walk = func(m *message.Message) error {
		if seen[m.ID] {
			return nil
		}
		seen[m.ID] = true
		out = append(out, m)

		ids, err := ix.children(m.ID)
		if err != nil {
			return err
		}
		kids := make([]*message.Message, 0, len(ids))
		for _, cid := range ids {
			c, err := ix.load(cid)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			kids = append(kids, c)
		}
		sortByTimestamp(kids)
		for _, c := range kids {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}

func (ix *Index) root(id string) (*message.Message, error) {
	m, err := ix.load(id)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{m.ID: true}
	for m.ReplyTo != "" {
		parent, err := ix.load(m.ReplyTo)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		if seen[parent.ID] {
			break
		}
		seen[parent.ID] = true
		m = parent
	}
	return m, nil
}

func (ix *Index) load(id string) (*message.Message, error) {
	data, err := ix.store.Get(msgKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var m message.Message
	if err := msgcodec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &m, nil
}

func (ix *Index) children(id string) ([]string, error) {
	data, err := ix.store.Get(childKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := msgcodec.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode children of %s: %w", id, err)
	}
	return ids, nil
}

func sortByTimestamp(msgs []*message.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].TimestampMS < msgs[j].TimestampMS
	})
}

func msgKey(id string) string   { return "msg|" + id }
func childKey(id string) string { return "kids|" + id }
