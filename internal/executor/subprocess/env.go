// Package subprocess runs agent code in a separate worker process, giving
// real process isolation and a guaranteed kill on timeout. The worker speaks
// the newline-delimited JSON protocol on its stdin/stdout and reaches host
// providers through interleaved rpc_request frames.
package subprocess

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/HyphaGroup/reliquary/internal/logger"
	"github.com/HyphaGroup/reliquary/internal/rpc"
	"github.com/HyphaGroup/reliquary/internal/validation"
)

// envMarkerFile identifies a provisioned worker environment and records what
// it was built for, so stale or foreign directories are rebuilt instead of
// trusted.
const envMarkerFile = "env.json"

// WorkerEnv is a provisioned on-disk environment for one worker spec.
type WorkerEnv struct {
	RootPath   string `json:"root_path"`
	SpecName   string `json:"spec_name"`
	ModulesDir string `json:"modules_dir"`
}

type envMarker struct {
	ProtocolVersion int       `json:"protocol_version"`
	SpecName        string    `json:"spec_name"`
	CreatedAt       time.Time `json:"created_at"`
}

// EnvManager provisions and discards worker environments under a cache dir.
type EnvManager struct {
	cacheDir string
}

// NewEnvManager creates a manager rooted at cacheDir.
func NewEnvManager(cacheDir string) *EnvManager {
	return &EnvManager{cacheDir: cacheDir}
}

// Provision returns a ready environment for specName, reusing an existing
// directory when its marker matches and rebuilding it when it does not.
func (m *EnvManager) Provision(specName string) (*WorkerEnv, error) {
	if err := validation.ValidateEnvName(specName); err != nil {
		return nil, fmt.Errorf("invalid env name: %w", err)
	}

	root := filepath.Join(m.cacheDir, "envs", specName)
	if m.validate(root, specName) {
		return &WorkerEnv{
			RootPath:   root,
			SpecName:   specName,
			ModulesDir: filepath.Join(root, "modules"),
		}, nil
	}

	// Anything that fails validation is rebuilt from scratch.
	if err := os.RemoveAll(root); err != nil {
		return nil, fmt.Errorf("remove stale env: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "modules"), 0o755); err != nil {
		return nil, fmt.Errorf("create env: %w", err)
	}

	marker := envMarker{
		ProtocolVersion: rpc.ProtocolVersion,
		SpecName:        specName,
		CreatedAt:       time.Now().UTC(),
	}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(root, envMarkerFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("write env marker: %w", err)
	}

	logger.Slog().Info("provisioned worker env", "spec", specName, "root", root)
	return &WorkerEnv{
		RootPath:   root,
		SpecName:   specName,
		ModulesDir: filepath.Join(root, "modules"),
	}, nil
}

func (m *EnvManager) validate(root, specName string) bool {
	data, err := os.ReadFile(filepath.Join(root, envMarkerFile))
	if err != nil {
		return false
	}
	var marker envMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return false
	}
	if marker.ProtocolVersion != rpc.ProtocolVersion || marker.SpecName != specName {
		logger.Slog().Info("worker env marker mismatch, rebuilding",
			"spec", specName, "marker_spec", marker.SpecName, "marker_version", marker.ProtocolVersion)
		return false
	}
	return true
}

// Discard removes an environment from disk.
func (m *EnvManager) Discard(env *WorkerEnv) error {
	if env == nil {
		return nil
	}
	return os.RemoveAll(env.RootPath)
}

// List returns the spec names of all provisioned environments.
func (m *EnvManager) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.cacheDir, "envs"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// PruneOlderThan removes environments whose markers are older than maxAge.
// Unreadable markers count as stale.
func (m *EnvManager) PruneOlderThan(maxAge time.Duration) (int, error) {
	names, err := m.List()
	if err != nil {
		return 0, err
	}
	pruned := 0
	cutoff := time.Now().UTC().Add(-maxAge)
	for _, name := range names {
		root := filepath.Join(m.cacheDir, "envs", name)
		data, err := os.ReadFile(filepath.Join(root, envMarkerFile))
		stale := true
		if err == nil {
			var marker envMarker
			if json.Unmarshal(data, &marker) == nil && marker.CreatedAt.After(cutoff) {
				stale = false
			}
		}
		if stale {
			if err := os.RemoveAll(root); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}
