package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chromadesk/chromadesk-build/internal/config"
	"github.com/chromadesk/chromadesk-build/internal/executil"
	"github.com/chromadesk/chromadesk-build/internal/logger"
)

// Options controls one provisioning run.
type Options struct {
	// WithImageExtra installs the image-only dependency group.
	WithImageExtra bool
}

// Provisioner installs the application's dependencies into an isolated environment.
type Provisioner struct {
	cfg    *config.Config
	runner executil.Runner
}

// step is one installation command with a human-readable description.
type step struct {
	description string
	args        []string
}

// New returns a provisioner for the configured environment.
func New(cfg *config.Config, runner executil.Runner) *Provisioner {
	return &Provisioner{
		cfg:    cfg,
		runner: runner,
	}
}

// Python returns the environment's interpreter path.
func (p *Provisioner) Python() string {
	return filepath.Join(p.cfg.Path(p.cfg.Python.VenvDir), "bin", "python")
}

// BinDir returns the environment's executable directory.
func (p *Provisioner) BinDir() string {
	return filepath.Join(p.cfg.Path(p.cfg.Python.VenvDir), "bin")
}

// Run ensures the environment exists and installs every dependency. The first failure aborts the run.
func (p *Provisioner) Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "provision")

	venvDir := p.cfg.Path(p.cfg.Python.VenvDir)

	release, err := acquireLock(ctx, venvDir)
	if err != nil {
		return err
	}

	defer release()

	if err = p.ensureEnvironment(ctx, venvDir); err != nil {
		return err
	}

	for _, s := range p.steps(opts) {
		logger.InfoKV(ctx, "Installing dependencies", "step", s.description)

		_, err = p.runner.Run(ctx, executil.Command{
			Name: p.Python(),
			Args: append([]string{"-m", "pip"}, s.args...),
			Dir:  p.cfg.ProjectDir,
		})
		if err != nil {
			return fmt.Errorf("install %s: %w", s.description, err)
		}
	}

	logger.Info(ctx, "Dependencies installed")

	return nil
}

// ensureEnvironment creates the environment unless an interpreter is already there.
func (p *Provisioner) ensureEnvironment(ctx context.Context, venvDir string) error {
	info, err := os.Stat(p.Python())

	switch {
	case err == nil && !info.IsDir():
		logger.InfoKV(ctx, "Reusing package environment", "path", venvDir)
		return nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("inspect package environment: %w", err)
	}

	logger.InfoKV(ctx, "Creating package environment", "path", venvDir)

	_, err = p.runner.Run(ctx, executil.Command{
		Name: p.cfg.Python.Interpreter,
		Args: []string{"-m", "venv", venvDir},
		Dir:  p.cfg.ProjectDir,
	})
	if err != nil {
		return fmt.Errorf("create package environment: %w", err)
	}

	return nil
}

// steps lists installation commands in their required order.
// The toolkit is pinned first so the resolver never picks another build of it.
func (p *Provisioner) steps(opts *Options) []step {
	steps := []step{
		{description: "pip", args: []string{"install", "--upgrade", "pip"}},
	}

	if p.cfg.Python.GUIToolkit != "" {
		steps = append(steps, step{
			description: "GUI toolkit " + p.cfg.Python.GUIToolkit,
			args:        []string{"install", p.cfg.Python.GUIToolkit},
		})
	}

	steps = append(steps, step{
		description: "core dependencies",
		args:        []string{"install", p.cfg.ProjectDir},
	})

	if opts != nil && opts.WithImageExtra && p.cfg.Python.ImageExtra != "" {
		steps = append(steps, step{
			description: "extra group " + p.cfg.Python.ImageExtra,
			args:        []string{"install", fmt.Sprintf("%s[%s]", p.cfg.ProjectDir, p.cfg.Python.ImageExtra)},
		})
	}

	return steps
}
