package deps

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/HyphaGroup/reliquary/internal/logger"
	"github.com/HyphaGroup/reliquary/internal/validation"
)

// installTimeout bounds one package install.
const installTimeout = 5 * time.Minute

// Installer runs the package tool to materialize specs into a target
// directory. The command runner is injectable for tests.
type Installer struct {
	tool   string
	target string
	run    func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewInstaller creates an installer using tool (e.g. "pip") installing into
// target.
func NewInstaller(tool, target string) *Installer {
	return &Installer{
		tool:   tool,
		target: target,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// Target returns the install target directory.
func (i *Installer) Target() string { return i.target }

// Install installs one spec. The spec is passed as a single argv element
// after a validated allowlist check, never through a shell.
func (i *Installer) Install(ctx context.Context, spec string) error {
	if err := validation.ValidatePackageSpec(spec); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	args := []string{"install", "--target", i.target, "--no-input", spec}
	out, err := i.run(ctx, i.tool, args...)
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if len(detail) > 512 {
			detail = detail[len(detail)-512:]
		}
		return fmt.Errorf("install %s: %w: %s", spec, err, detail)
	}
	logger.Slog().Info("installed dependency", "spec", spec, "target", i.target)
	return nil
}
