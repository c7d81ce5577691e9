package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/HyphaGroup/reliquary/internal/config"
)

func TestBuildSessionEnvLayout(t *testing.T) {
	cfg := config.Default()
	cfg.Server.DataDir = t.TempDir()
	cfg.Executor.Backend = "inprocess"
	cfg.Janitor.Disabled = true

	sess, cleanup, err := buildSession(context.Background(), cfg)
	if err != nil {
		t.Fatalf("buildSession() error = %v", err)
	}
	defer cleanup()

	if sess.ID() == "" {
		t.Error("session ID empty")
	}

	root := filepath.Join(cfg.Server.DataDir, "envs", cfg.Executor.SpecName)
	if _, err := os.Stat(filepath.Join(root, "modules")); err != nil {
		t.Errorf("modules dir missing at %s: %v", root, err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Server.DataDir, "envs", "envs")); !os.IsNotExist(err) {
		t.Error("environments nested under a doubled envs directory")
	}
}
