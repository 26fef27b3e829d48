package main

import (
	"flag"
	"fmt"
	"path/filepath"

	"github.com/agentcom/agentcom/internal/hub/auth"
	"github.com/agentcom/agentcom/internal/hub/config"
)

// runToken issues or revokes agent tokens directly against the token
// file, for bootstrapping before the hub is running.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	dataDir := fs.String("data-dir", "", "data directory (overrides config)")
	revoke := fs.Bool("revoke", false, "revoke all tokens for the agent instead of issuing one")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: agentcom token [-revoke] <agent-id>")
	}
	agentID := fs.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	store, err := auth.Load(filepath.Join(cfg.DataDir, "tokens.json"))
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}

	if *revoke {
		removed, err := store.Revoke(agentID)
		if err != nil {
			return fmt.Errorf("revoke: %w", err)
		}
		fmt.Printf("revoked %d token(s) for %s\n", removed, agentID)
		return nil
	}

	token, err := store.Generate(agentID)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	fmt.Println(token)
	return nil
}
