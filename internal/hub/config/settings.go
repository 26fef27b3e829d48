package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentcom/agentcom/internal/hub/kv"
	"github.com/agentcom/agentcom/internal/hub/ratelimit"
)

// Settings is the durable table of hub-level toggles that survive
// restarts: rate-limit whitelist entries and per-agent overrides.
type Settings struct {
	store *kv.Store
}

// OpenSettings wraps a kv table as the settings store.
func OpenSettings(store *kv.Store) *Settings {
	return &Settings{store: store}
}

// SetWhitelisted persists (or clears) an agent's exemption.
func (s *Settings) SetWhitelisted(agent string, exempt bool) error {
	if !exempt {
		return s.store.Delete(whitelistKey(agent))
	}
	return s.store.Put(whitelistKey(agent), []byte("1"))
}

// Whitelist returns all exempted agent ids.
func (s *Settings) Whitelist() ([]string, error) {
	pairs, err := s.store.Select("whitelist|")
	if err != nil {
		return nil, err
	}
	agents := make([]string, 0, len(pairs))
	for _, p := range pairs {
		agents = append(agents, strings.TrimPrefix(p.Key, "whitelist|"))
	}
	return agents, nil
}

// SetOverride persists a per-agent limit override for one tier.
func (s *Settings) SetOverride(agent string, tier ratelimit.Tier, lim ratelimit.Limit) error {
	data, err := json.Marshal(lim)
	if err != nil {
		return err
	}
	return s.store.Put(overrideKey(agent, tier), data)
}

// ClearOverrides removes all of the agent's overrides.
func (s *Settings) ClearOverrides(agent string) error {
	pairs, err := s.store.Select("override|" + agent + "|")
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if err := s.store.Delete(p.Key); err != nil {
			return err
		}
	}
	return nil
}

// Override is one persisted rate-limit override row.
type Override struct {
	Agent string
	Tier  ratelimit.Tier
	Limit ratelimit.Limit
}

// Overrides returns every persisted override.
func (s *Settings) Overrides() ([]Override, error) {
	pairs, err := s.store.Select("override|")
	if err != nil {
		return nil, err
	}
	out := make([]Override, 0, len(pairs))
	for _, p := range pairs {
		parts := strings.SplitN(strings.TrimPrefix(p.Key, "override|"), "|", 2)
		if len(parts) != 2 {
			continue
		}
		var lim ratelimit.Limit
		if err := json.Unmarshal(p.Value, &lim); err != nil {
			return nil, fmt.Errorf("decode override %s: %w", p.Key, err)
		}
		out = append(out, Override{Agent: parts[0], Tier: ratelimit.Tier(parts[1]), Limit: lim})
	}
	return out, nil
}

// Apply pushes the persisted whitelist and overrides into a limiter,
// used once at startup.
func (s *Settings) Apply(l *ratelimit.Limiter) error {
	agents, err := s.Whitelist()
	if err != nil {
		return err
	}
	for _, a := range agents {
		l.SetWhitelisted(a, true)
	}
	overrides, err := s.Overrides()
	if err != nil {
		return err
	}
	for _, o := range overrides {
		l.SetOverride(o.Agent, o.Tier, o.Limit)
	}
	return nil
}

func whitelistKey(agent string) string { return "whitelist|" + agent }

func overrideKey(agent string, tier ratelimit.Tier) string {
	return fmt.Sprintf("override|%s|%s", agent, tier)
}
