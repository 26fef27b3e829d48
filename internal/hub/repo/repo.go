// Package repo tracks the repositories goals and tasks may reference,
// keyed by normalized name.
package repo

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentcom/agentcom/internal/hub/kv"
	"github.com/agentcom/agentcom/internal/hub/msgcodec"
)

var (
	ErrNotFound    = errors.New("repo: not found")
	ErrInvalidName = errors.New("repo: invalid name")
)

// Repo is one registered repository.
type Repo struct {
	Name           string         `json:"name"`
	URL            string         `json:"url,omitempty"`
	DefaultBranch  string         `json:"default_branch,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	RegisteredAtMS int64          `json:"registered_at_ms"`
	UpdatedAtMS    int64          `json:"updated_at_ms"`
}

// Registry manages the repository table.
type Registry struct {
	mu    sync.Mutex
	store *kv.Store
	nowMS func() int64
}

// Open wraps a kv table as the repo registry.
func Open(store *kv.Store) *Registry {
	return &Registry{
		store: store,
		nowMS: func() int64 { return time.Now().UnixMilli() },
	}
}

// Normalize maps a user-supplied repo name to its persistent key form.
func Normalize(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return "", ErrInvalidName
	}
	return n, nil
}

// Register upserts a repo record. RegisteredAtMS survives updates.
func (r *Registry) Register(in Repo) (Repo, error) {
	n, err := Normalize(in.Name)
	if err != nil {
		return Repo{}, err
	}
	in.Name = n

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowMS()
	existing, err := r.load(n)
	switch {
	case errors.Is(err, ErrNotFound):
		in.RegisteredAtMS = now
	case err != nil:
		return Repo{}, err
	default:
		in.RegisteredAtMS = existing.RegisteredAtMS
	}
	in.UpdatedAtMS = now

	if err := r.save(in); err != nil {
		return Repo{}, err
	}
	return in, nil
}

// Get returns the repo record.
func (r *Registry) Get(name string) (Repo, error) {
	n, err := Normalize(name)
	if err != nil {
		return Repo{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(n)
}

// List returns all repos sorted by name.
func (r *Registry) List() ([]Repo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pairs, err := r.store.Select(keyPrefix)
	if err != nil {
		return nil, err
	}
	repos := make([]Repo, 0, len(pairs))
	for _, p := range pairs {
		var rec Repo
		if err := msgcodec.Unmarshal(p.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode repo %s: %w", p.Key, err)
		}
		repos = append(repos, rec)
	}
	return repos, nil
}

// Delete removes the repo record. Deleting an unknown name returns
// ErrNotFound.
func (r *Registry) Delete(name string) error {
	n, err := Normalize(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.load(n); err != nil {
		return err
	}
	return r.store.Delete(key(n))
}

func (r *Registry) load(name string) (Repo, error) {
	data, err := r.store.Get(key(name))
	if errors.Is(err, kv.ErrNotFound) {
		return Repo{}, ErrNotFound
	}
	if err != nil {
		return Repo{}, err
	}
	var rec Repo
	if err := msgcodec.Unmarshal(data, &rec); err != nil {
		return Repo{}, fmt.Errorf("decode repo %s: %w", name, err)
	}
	return rec, nil
}

func (r *Registry) save(rec Repo) error {
	data, err := msgcodec.Marshal(rec)
	if err != nil {
		return err
	}
	return r.store.Put(key(rec.Name), data)
}

const keyPrefix = "repo|"

func key(name string) string { return keyPrefix + name }
