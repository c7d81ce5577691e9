package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Executor.Backend != "inprocess" {
		t.Errorf("Backend = %q, want inprocess", cfg.Executor.Backend)
	}
	if cfg.Skills.Embedding.Model != "nomic-embed-text" {
		t.Errorf("Model = %q", cfg.Skills.Embedding.Model)
	}
	if cfg.Executor.TimeoutSecs != 30 {
		t.Errorf("TimeoutSecs = %d, want 30", cfg.Executor.TimeoutSecs)
	}
}

func TestLoadFileWithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reliquary.json")
	content := `{
	// executor selection
	"executor": {
		"backend": "subprocess",
		"worker_path": "/usr/local/bin/reliquary-worker" /* built separately */
	},
	"skills": {"embedding": {"model": "mxbai-embed-large"}}
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Executor.Backend != "subprocess" {
		t.Errorf("Backend = %q, want subprocess", cfg.Executor.Backend)
	}
	if cfg.Executor.WorkerPath != "/usr/local/bin/reliquary-worker" {
		t.Errorf("WorkerPath = %q", cfg.Executor.WorkerPath)
	}
	if cfg.Skills.Embedding.Model != "mxbai-embed-large" {
		t.Errorf("Model = %q", cfg.Skills.Embedding.Model)
	}
	// Untouched sections keep defaults.
	if cfg.Deps.Installer != "pip" {
		t.Errorf("Installer = %q, want pip", cfg.Deps.Installer)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load(absent) error = %v", err)
	}
	if cfg.Executor.Backend != "inprocess" {
		t.Errorf("Backend = %q, want inprocess", cfg.Executor.Backend)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELIQUARY_BACKEND", "container")
	t.Setenv("RELIQUARY_IMAGE", "reliquary-worker:latest")
	t.Setenv("RELIQUARY_TIMEOUT_SECS", "90")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Executor.Backend != "container" {
		t.Errorf("Backend = %q, want container", cfg.Executor.Backend)
	}
	if cfg.Executor.Image != "reliquary-worker:latest" {
		t.Errorf("Image = %q", cfg.Executor.Image)
	}
	if cfg.Executor.TimeoutSecs != 90 {
		t.Errorf("TimeoutSecs = %d, want 90", cfg.Executor.TimeoutSecs)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Executor.Backend = "vm" }},
		{"subprocess without worker", func(c *Config) { c.Executor.Backend = "subprocess" }},
		{"container without image", func(c *Config) { c.Executor.Backend = "container" }},
		{"zero timeout", func(c *Config) { c.Executor.TimeoutSecs = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Errorf("validate() = nil error")
			}
		})
	}
}

func TestStripComments(t *testing.T) {
	in := `{"url": "http://x//y", /* block */ "n": 1} // tail`
	want := `{"url": "http://x//y",  "n": 1} `
	if got := string(stripComments([]byte(in))); got != want {
		t.Errorf("stripComments() = %q, want %q", got, want)
	}
}
