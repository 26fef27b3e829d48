// Package config loads hub configuration from defaults, an optional
// YAML file, and AGENTCOM_ environment overrides, in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/agentcom/agentcom/internal/hub/ratelimit"
)

// EnvPrefix is stripped from environment variables; a double
// underscore nests, e.g. AGENTCOM_RATELIMIT__NORMAL__CAPACITY.
const EnvPrefix = "AGENTCOM_"

// Config is the full hub configuration.
type Config struct {
	Addr      string `koanf:"addr"`
	DataDir   string `koanf:"data_dir"`
	BackupDir string `koanf:"backup_dir"`
	LogLevel  string `koanf:"log_level"`

	AdminToken   string `koanf:"admin_token"`
	PremiumModel string `koanf:"premium_model"`

	MailboxTTL      time.Duration `koanf:"mailbox_ttl"`
	MailboxMax      int           `koanf:"mailbox_max"`
	ChannelHistory  int           `koanf:"channel_history"`
	MailboxSweep    time.Duration `koanf:"mailbox_sweep"`
	OrphanTimeout   time.Duration `koanf:"orphan_timeout"`
	ReaperInterval  time.Duration `koanf:"reaper_interval"`
	SessionIdle     time.Duration `koanf:"session_idle"`
	EndpointMaxAge  time.Duration `koanf:"endpoint_max_age"`
	BackupInterval  time.Duration `koanf:"backup_interval"`
	BackupKeep      int           `koanf:"backup_keep"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	RateLimit ratelimit.Config `koanf:"ratelimit"`
}

func defaults() map[string]any {
	return map[string]any{
		"addr":             "127.0.0.1:7600",
		"data_dir":         "data",
		"backup_dir":       "data/backups",
		"log_level":        "info",
		"premium_model":    "premium-large",
		"mailbox_ttl":      "168h",
		"mailbox_max":      100,
		"channel_history":  100,
		"mailbox_sweep":    "1h",
		"orphan_timeout":   "5m",
		"reaper_interval":  "30s",
		"session_idle":     "2m",
		"endpoint_max_age": "5m",
		"backup_interval":  "15m",
		"backup_keep":      5,
		"shutdown_timeout": "10s",
	}
}

// Load builds the configuration. path may be empty; a missing file at
// a non-empty path is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{RateLimit: ratelimit.DefaultConfig()}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.MailboxMax <= 0 {
		return fmt.Errorf("config: mailbox_max must be positive")
	}
	if c.BackupKeep <= 0 {
		return fmt.Errorf("config: backup_keep must be positive")
	}
	return nil
}
