// Package config loads runtime configuration from a JSON file (with comment
// support) plus RELIQUARY_* environment overrides. Defaults are applied in
// the loader so callers always see a complete config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config is the full runtime configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Executor ExecutorConfig `json:"executor"`
	Skills   SkillsConfig   `json:"skills"`
	Deps     DepsConfig     `json:"deps"`
	Janitor  JanitorConfig  `json:"janitor"`
	Tools    ToolsConfig    `json:"tools"`
}

// ServerConfig holds server-level settings.
type ServerConfig struct {
	MetricsAddr string `json:"metrics_addr"` // empty disables the metrics endpoint
	LogDir      string `json:"log_dir"`
	DataDir     string `json:"data_dir"`
}

// ExecutorConfig selects and tunes the execution backend.
type ExecutorConfig struct {
	Backend     string `json:"backend"` // inprocess, subprocess, container
	WorkerPath  string `json:"worker_path"`
	SpecName    string `json:"spec_name"`
	PersistEnv  bool   `json:"persist_env"`
	Image       string `json:"image"`
	NetworkMode string `json:"network_mode"`
	TimeoutSecs int    `json:"timeout_secs"` // default run timeout
}

// EmbeddingConfig configures the embedding backend for semantic search.
type EmbeddingConfig struct {
	Endpoint string  `json:"endpoint"`
	Model    string  `json:"model"`
	MaxRPS   float64 `json:"max_rps"`
}

// SkillsConfig configures the skill library and its search index.
type SkillsConfig struct {
	Embedding  EmbeddingConfig `json:"embedding"`
	QdrantAddr string          `json:"qdrant_addr"` // empty selects the sqlite vector cache
	Collection string          `json:"collection"`
}

// DepsConfig configures dependency installation.
type DepsConfig struct {
	Installer string `json:"installer"`
}

// JanitorConfig configures scheduled maintenance.
type JanitorConfig struct {
	Schedule     string `json:"schedule"`
	EnvMaxAgeHrs int    `json:"env_max_age_hours"`
	Disabled     bool   `json:"disabled"`
}

// ToolsConfig configures tool sources.
type ToolsConfig struct {
	CommandFile string               `json:"command_file"`
	MCPServers  map[string]MCPServer `json:"mcp_servers"`
}

// MCPServer declares one stdio MCP server to adapt into the registry.
type MCPServer struct {
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := "data"
	if cache, err := os.UserCacheDir(); err == nil {
		dataDir = filepath.Join(cache, "reliquary")
	}
	return &Config{
		Server: ServerConfig{
			DataDir: dataDir,
		},
		Executor: ExecutorConfig{
			Backend:     "inprocess",
			SpecName:    "default",
			NetworkMode: "none",
			TimeoutSecs: 30,
		},
		Skills: SkillsConfig{
			Embedding: EmbeddingConfig{
				Endpoint: "http://localhost:11434",
				Model:    "nomic-embed-text",
				MaxRPS:   10,
			},
			Collection: "reliquary_skills",
		},
		Deps: DepsConfig{
			Installer: "pip",
		},
		Janitor: JanitorConfig{
			Schedule:     "0 3 * * *",
			EnvMaxAgeHrs: 24 * 7,
		},
	}
}

// Load reads configuration from path, falling back to defaults when the file
// is absent, then applies environment overrides. An empty path skips the
// file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults + env only.
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := json.Unmarshal(stripComments(raw), cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays RELIQUARY_* environment variables.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("RELIQUARY_DATA_DIR", &cfg.Server.DataDir)
	setString("RELIQUARY_LOG_DIR", &cfg.Server.LogDir)
	setString("RELIQUARY_METRICS_ADDR", &cfg.Server.MetricsAddr)
	setString("RELIQUARY_BACKEND", &cfg.Executor.Backend)
	setString("RELIQUARY_WORKER_PATH", &cfg.Executor.WorkerPath)
	setString("RELIQUARY_IMAGE", &cfg.Executor.Image)
	setString("RELIQUARY_OLLAMA_ENDPOINT", &cfg.Skills.Embedding.Endpoint)
	setString("RELIQUARY_EMBED_MODEL", &cfg.Skills.Embedding.Model)
	setString("RELIQUARY_QDRANT_ADDR", &cfg.Skills.QdrantAddr)
	setString("RELIQUARY_INSTALLER", &cfg.Deps.Installer)
	setString("RELIQUARY_JANITOR_SCHEDULE", &cfg.Janitor.Schedule)

	if v, ok := os.LookupEnv("RELIQUARY_TIMEOUT_SECS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Executor.TimeoutSecs = n
		}
	}
}

func (c *Config) validate() error {
	switch c.Executor.Backend {
	case "inprocess", "subprocess", "container":
	default:
		return fmt.Errorf("unknown backend %q (inprocess, subprocess, container)", c.Executor.Backend)
	}
	if c.Executor.Backend == "subprocess" && c.Executor.WorkerPath == "" {
		return fmt.Errorf("subprocess backend requires worker_path")
	}
	if c.Executor.Backend == "container" && c.Executor.Image == "" {
		return fmt.Errorf("container backend requires image")
	}
	if c.Executor.TimeoutSecs <= 0 {
		return fmt.Errorf("timeout_secs must be positive")
	}
	return nil
}
