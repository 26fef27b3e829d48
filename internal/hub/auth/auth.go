// Package auth maps bearer tokens to agent identifiers. Tokens are
// stored as SHA3-256 digests in a small JSON file rewritten in whole
// on every mutation; mutations are rare admin actions.
package auth

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/agentcom/agentcom/internal/hub/id"
)

// ErrInvalidAgentID rejects agent ids that are empty or contain "|",
// which is reserved as a storage key delimiter elsewhere in the hub.
var ErrInvalidAgentID = errors.New("invalid agent id")

// record is what gets persisted per token. The raw token never
// touches disk; the prefix is kept only for redacted listings.
type record struct {
	AgentID string `json:"agent_id"`
	Prefix  string `json:"prefix"`
}

// Store holds the token-digest → record map.
type Store struct {
	mu      sync.Mutex
	path    string
	records map[string]record // hex(sha3-256(token)) -> record
}

// TokenInfo is a redacted listing entry. Raw tokens are never listed.
type TokenInfo struct {
	AgentID     string `json:"agent_id"`
	TokenPrefix string `json:"token_prefix"`
}

// Load reads the token file at path. A missing file yields an empty
// store.
func Load(path string) (*Store, error) {
	s := &Store{path: path, records: make(map[string]record)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return s, nil
}

// Verify resolves a token to its agent identifier.
func (s *Store) Verify(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[digest(token)]
	return rec.AgentID, ok
}

// Generate creates and persists a fresh token for agentID. The raw
// token is returned once and cannot be recovered later.
func (s *Store) Generate(agentID string) (string, error) {
	if agentID == "" || strings.Contains(agentID, "|") {
		return "", ErrInvalidAgentID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token := id.Token()
	key := digest(token)
	s.records[key] = record{AgentID: agentID, Prefix: token[:8]}
	if err := s.save(); err != nil {
		delete(s.records, key)
		return "", err
	}
	return token, nil
}

// Revoke removes every token for agentID, returning how many were
// removed.
func (s *Store) Revoke(agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.records {
		if rec.AgentID == agentID {
			delete(s.records, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.save(); err != nil {
		return 0, err
	}
	return removed, nil
}

// List returns redacted token entries sorted by agent id.
func (s *Store) List() []TokenInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]TokenInfo, 0, len(s.records))
	for _, rec := range s.records {
		infos = append(infos, TokenInfo{
			AgentID:     rec.AgentID,
			TokenPrefix: rec.Prefix + "...",
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].AgentID != infos[j].AgentID {
			return infos[i].AgentID < infos[j].AgentID
		}
		return infos[i].TokenPrefix < infos[j].TokenPrefix
	})
	return infos
}

// save writes the whole map atomically. Callers must hold s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

// digest keys the store. SHA3-256 is enough: tokens are 32 random
// bytes, so offline guessing is infeasible without salting or a slow
// hash, and an exact-match digest keeps Verify a map lookup.
func digest(token string) string {
	sum := sha3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenFromHeader extracts a Bearer token from an Authorization
// header value.
func TokenFromHeader(authHeader string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authHeader, prefix) {
		return strings.TrimPrefix(authHeader, prefix)
	}
	return ""
}
