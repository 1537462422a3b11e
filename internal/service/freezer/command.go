package freezer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chromadesk/chromadesk-build/internal/config"
	"github.com/chromadesk/chromadesk-build/internal/executil"
	"github.com/chromadesk/chromadesk-build/internal/fsutil"
	"github.com/chromadesk/chromadesk-build/internal/logger"
)

var (
	// ErrPostCondition is returned when the tool reports success but the executable is missing or not executable.
	ErrPostCondition = errors.New("frozen executable missing after packaging")
	// ErrMissingInput is returned when the entry script or a data file does not exist.
	ErrMissingInput = errors.New("missing packaging input")
)

// Options are the per-run inputs of the freezer.
type Options struct {
	// ToolDir is the directory holding the packaging tool, normally the environment's bin directory.
	ToolDir string
	// OutputDir receives the executable, normally the staging directory's usr/bin.
	OutputDir string
	// Icon is embedded into the executable.
	Icon string
}

// Freezer invokes the single-file packaging tool.
type Freezer struct {
	cfg    *config.Config
	runner executil.Runner
}

// New returns a freezer for the configured entry script.
func New(cfg *config.Config, runner executil.Runner) *Freezer {
	return &Freezer{
		cfg:    cfg,
		runner: runner,
	}
}

// Run freezes the application and returns the executable path.
func (f *Freezer) Run(ctx context.Context, opts *Options) (string, error) {
	ctx = logger.WithName(ctx, "freezer")

	if err := f.checkInputs(); err != nil {
		return "", err
	}

	cmd := executil.Command{
		Name: filepath.Join(opts.ToolDir, f.cfg.Freezer.Tool),
		Args: f.arguments(opts),
		Dir:  f.cfg.ProjectDir,
	}

	logger.InfoKV(ctx, "Freezing application", "entry", f.cfg.Freezer.EntryScript, "output", opts.OutputDir)

	if _, err := f.runner.Run(ctx, cmd); err != nil {
		return "", fmt.Errorf("freeze application: %w", err)
	}

	executable := filepath.Join(opts.OutputDir, f.cfg.ExecutableName)

	if err := fsutil.CheckExecutable(executable); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPostCondition, err)
	}

	logger.InfoKV(ctx, "Frozen executable ready", "path", executable)

	return executable, nil
}

// arguments builds the fixed option set: single file, no console, data files, icon.
func (f *Freezer) arguments(opts *Options) []string {
	buildDir := f.cfg.Path(f.cfg.BuildDir)

	args := []string{
		"--noconfirm",
		"--clean",
		"--onefile",
		"--noconsole",
		"--name", f.cfg.ExecutableName,
		"--distpath", opts.OutputDir,
		"--workpath", filepath.Join(buildDir, "work"),
		"--specpath", buildDir,
	}

	if opts.Icon != "" {
		args = append(args, "--icon", opts.Icon)
	}

	for _, data := range f.cfg.Freezer.DataFiles {
		args = append(args, "--add-data", f.cfg.Path(data.Source)+string(os.PathListSeparator)+data.Destination)
	}

	return append(args, f.cfg.Path(f.cfg.Freezer.EntryScript))
}

func (f *Freezer) checkInputs() error {
	paths := []string{f.cfg.Freezer.EntryScript}
	for _, data := range f.cfg.Freezer.DataFiles {
		paths = append(paths, data.Source)
	}

	for _, rel := range paths {
		if _, err := os.Stat(f.cfg.Path(rel)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %w: %s", config.ErrConfiguration, ErrMissingInput, f.cfg.Path(rel))
			}

			return fmt.Errorf("stat %s: %w", rel, err)
		}
	}

	return nil
}
