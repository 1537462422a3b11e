package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chromadesk/chromadesk-build/internal/config"
	buildstate "github.com/chromadesk/chromadesk-build/internal/domain/build"
	"github.com/chromadesk/chromadesk-build/internal/executil"
	"github.com/chromadesk/chromadesk-build/internal/logger"
	"github.com/chromadesk/chromadesk-build/internal/render"
	"github.com/chromadesk/chromadesk-build/internal/repository/report"
	"github.com/chromadesk/chromadesk-build/internal/service/assembler"
	"github.com/chromadesk/chromadesk-build/internal/service/freezer"
	"github.com/chromadesk/chromadesk-build/internal/service/imager"
	"github.com/chromadesk/chromadesk-build/internal/service/launcher"
	"github.com/chromadesk/chromadesk-build/internal/service/metadata"
	"github.com/chromadesk/chromadesk-build/internal/service/provision"
)

// ErrBuildOnlyWithoutVersion is returned when --build-only is given without --version-update.
var ErrBuildOnlyWithoutVersion = errors.New("--build-only requires --version-update")

// Options contains inputs for the build entry point.
type Options struct {
	// ConfigPath is an optional path to the build settings (defaults to chromadesk-build.yaml).
	ConfigPath string
	// ProjectDir overrides the configured project directory when set.
	ProjectDir string
	// OutputDir overrides the configured output directory when set.
	OutputDir string
	// VersionUpdate is written into every metadata file before building.
	VersionUpdate string
	// BuildOnly stops after the version update.
	BuildOnly bool
	// AppImage produces the image after the launcher is written.
	AppImage bool
	// Tarball also writes a zstd tarball of the staging directory.
	Tarball bool
	// SkipDeps reuses the package environment without installing anything.
	SkipDeps bool
	// Verbose streams tool output to stderr while it runs.
	Verbose bool
}

// Result describes a finished run.
type Result struct {
	// Build is the final state of the run.
	Build *buildstate.Build
	// Image is the produced image path, empty unless requested.
	Image string
	// Tarball is the produced tarball path, empty unless requested.
	Tarball string
}

// pipeline holds the collaborators of one run.
type pipeline struct {
	cfg          *config.Config
	runner       executil.Runner
	engine       *render.Engine
	imageOptions []imager.Option
}

// Run loads the settings and executes the pipeline.
func Run(ctx context.Context, opts *Options) (*Result, error) {
	ctx = logger.WithName(ctx, "chromadesk-build")

	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	runner := executil.NewExecRunner()
	if opts.Verbose {
		runner.Stream = os.Stderr
	}

	p, err := newPipeline(cfg, runner)
	if err != nil {
		return nil, err
	}

	return p.run(ctx, opts)
}

func validateOptions(opts *Options) error {
	if opts.BuildOnly && opts.VersionUpdate == "" {
		return fmt.Errorf("%w: %w", config.ErrConfiguration, ErrBuildOnlyWithoutVersion)
	}

	if opts.VersionUpdate != "" {
		return metadata.ValidateCandidate(opts.VersionUpdate)
	}

	return nil
}

func loadConfig(opts *Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if opts.ProjectDir != "" {
		if cfg.ProjectDir, err = filepath.Abs(opts.ProjectDir); err != nil {
			return nil, fmt.Errorf("resolve project dir: %w", err)
		}
	}

	if opts.OutputDir != "" {
		cfg.OutputDir = opts.OutputDir
	}

	return cfg, nil
}

func newPipeline(cfg *config.Config, runner executil.Runner, imageOptions ...imager.Option) (*pipeline, error) {
	engine, err := render.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	return &pipeline{
		cfg:          cfg,
		runner:       runner,
		engine:       engine,
		imageOptions: imageOptions,
	}, nil
}

// run executes every step in order.
func (p *pipeline) run(ctx context.Context, opts *Options) (*Result, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	if opts.VersionUpdate != "" {
		if err := metadata.Update(ctx, p.cfg, opts.VersionUpdate); err != nil {
			return nil, fmt.Errorf("update version: %w", err)
		}

		if opts.BuildOnly {
			logger.InfoKV(ctx, "Version updated, build skipped", "version", opts.VersionUpdate)

			return &Result{}, nil
		}
	}

	if _, err := metadata.Check(p.cfg); err != nil {
		logger.WarnKV(ctx, "Version copies are inconsistent", "error", err)
	}

	version, err := metadata.Resolve(ctx, p.cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve version: %w", err)
	}

	ctx = logger.WithKV(ctx, "version", version)
	result := &Result{Build: buildstate.New(version)}

	if result.Build.BuiltBy, err = buildstate.DetectActor(); err != nil {
		logger.DebugKV(ctx, "Build actor unknown", "error", err)
	}

	err = p.steps(ctx, opts, result)
	if err != nil {
		reached := result.Build.State
		_ = result.Build.Fail(err)

		logger.ErrorKV(ctx, "Build failed", "reached", reached)
	} else {
		logger.InfoKV(ctx, "Build completed", "state", result.Build.State, "elapsed", result.Build.Elapsed())
	}

	p.saveReport(ctx, result.Build)

	return result, err
}

// saveReport records the outcome; a failure to write it never changes the build result.
func (p *pipeline) saveReport(ctx context.Context, b *buildstate.Build) {
	repo := report.ForProject(p.cfg)

	if err := repo.Save(ctx, b); err != nil {
		logger.WarnKV(ctx, "Failed to save build report", "path", repo.Path(), "error", err)
		return
	}

	logger.DebugKV(ctx, "Build report saved", "path", repo.Path())
}

func (p *pipeline) steps(ctx context.Context, opts *Options, result *Result) error {
	b := result.Build
	provisioner := provision.New(p.cfg, p.runner)

	if opts.SkipDeps {
		logger.Info(ctx, "Skipping dependency installation")
	} else if err := provisioner.Run(ctx, &provision.Options{WithImageExtra: opts.AppImage}); err != nil {
		return fmt.Errorf("provision dependencies: %w", err)
	}

	layout, err := assembler.New(p.cfg, p.engine).Run(ctx, b.Version)
	if err != nil {
		return fmt.Errorf("assemble staging directory: %w", err)
	}

	if err = b.Advance(buildstate.StateStaged); err != nil {
		return err
	}

	_, err = freezer.New(p.cfg, p.runner).Run(ctx, &freezer.Options{
		ToolDir:   provisioner.BinDir(),
		OutputDir: layout.BinDir,
		Icon:      p.cfg.Path(p.cfg.Assets.Icon),
	})
	if err != nil {
		return fmt.Errorf("freeze executable: %w", err)
	}

	if err = b.Advance(buildstate.StateFrozen); err != nil {
		return err
	}

	_, err = launcher.New(p.engine, p.cfg.ProductName, p.cfg.ExecutableName).Generate(ctx, layout.Root)
	if err != nil {
		return fmt.Errorf("generate launcher: %w", err)
	}

	if err = b.Advance(buildstate.StateLaunchable); err != nil {
		return err
	}

	images := imager.New(p.cfg, p.runner, p.imageOptions...)

	if opts.AppImage {
		if result.Image, err = images.Build(ctx, b.Version); err != nil {
			return fmt.Errorf("build image: %w", err)
		}

		b.AddArtifact(filepath.Base(result.Image))

		if err = b.Advance(buildstate.StateImaged); err != nil {
			return err
		}
	}

	if opts.Tarball {
		if result.Tarball, err = images.Tarball(ctx, b.Version); err != nil {
			return fmt.Errorf("write tarball: %w", err)
		}

		b.AddArtifact(filepath.Base(result.Tarball))
	}

	return nil
}
