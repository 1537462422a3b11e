package release

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chromadesk/chromadesk-build/internal/config"
	"github.com/chromadesk/chromadesk-build/internal/executil"
	"github.com/chromadesk/chromadesk-build/internal/logger"
	"github.com/chromadesk/chromadesk-build/internal/repository/report"
	"github.com/chromadesk/chromadesk-build/internal/service/metadata"
)

const matrixDir = "matrix"

var (
	// ErrMatrixFailed is returned when at least one environment failed to build.
	ErrMatrixFailed = errors.New("matrix build failed")
	// ErrMissingArtifact is returned when a successful build left no image behind.
	ErrMissingArtifact = errors.New("expected artifact not found")
	// ErrVersionDrift is returned when an environment built a different version than the release.
	ErrVersionDrift = errors.New("environment built a different version")
)

// Options contains inputs for the release entry point.
type Options struct {
	// ConfigPath is an optional path to the build settings (defaults to chromadesk-build.yaml).
	ConfigPath string
	// VersionUpdate is written into the metadata files before the matrix starts.
	VersionUpdate string
	// Executor selects where environments run: "docker" or "local".
	Executor string
	// Tag names the release; defaults to "v" followed by the version.
	Tag string
	// DryRun builds and collects artifacts without publishing.
	DryRun bool
	// Debug is forwarded to every environment's build.
	Debug bool
	// Output receives the summary table; defaults to stdout.
	Output io.Writer
}

// Report is the outcome of a release run.
type Report struct {
	Version  string
	Tag      string
	URL      string
	Outcomes []*Outcome
}

// orchestrator runs the matrix and publishes its artifacts.
type orchestrator struct {
	cfg       *config.Config
	executor  Executor
	publisher Publisher
	output    io.Writer
}

// Run loads the settings, builds every environment and publishes the release.
func Run(ctx context.Context, opts *Options) (*Report, error) {
	ctx = logger.WithName(ctx, "chromadesk-release")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	binary, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate build binary: %w", err)
	}

	binary = filepath.Join(filepath.Dir(binary), "chromadesk-build")

	executor, closeExecutor, err := newExecutor(opts.Executor, binary)
	if err != nil {
		return nil, err
	}

	defer closeExecutor()

	var publisher Publisher

	if !opts.DryRun {
		token := os.Getenv(cfg.Release.TokenEnv)

		if publisher, err = NewGitHubPublisher(cfg.Release, token, &http.Client{Timeout: 30 * time.Minute}); err != nil {
			return nil, err
		}
	}

	o := &orchestrator{
		cfg:       cfg,
		executor:  executor,
		publisher: publisher,
		output:    opts.Output,
	}

	if o.output == nil {
		o.output = os.Stdout
	}

	return o.run(ctx, opts)
}

func newExecutor(name, binary string) (Executor, func(), error) {
	switch name {
	case "", ExecutorDocker:
		docker, err := NewDockerExecutor(binary)
		if err != nil {
			return nil, nil, err
		}

		return docker, func() { _ = docker.Close() }, nil
	case ExecutorLocal:
		return NewLocalExecutor(executil.NewExecRunner(), binary), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: %w: %q", config.ErrConfiguration, ErrUnknownExecutor, name)
	}
}

func (o *orchestrator) run(ctx context.Context, opts *Options) (*Report, error) {
	if opts.VersionUpdate != "" {
		if err := metadata.Update(ctx, o.cfg, opts.VersionUpdate); err != nil {
			return nil, fmt.Errorf("update version: %w", err)
		}
	}

	version, err := metadata.Resolve(ctx, o.cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve version: %w", err)
	}

	result := &Report{
		Version: version,
		Tag:     opts.Tag,
	}

	if result.Tag == "" {
		result.Tag = "v" + version
	}

	ctx = logger.WithKV(ctx, "version", version)

	result.Outcomes = o.runMatrix(ctx, version, buildArgs(opts))

	if err = o.collect(ctx, version, result.Outcomes); err != nil {
		o.printSummary(ctx, version, result.Outcomes)

		return result, err
	}

	o.printSummary(ctx, version, result.Outcomes)

	if opts.DryRun || o.publisher == nil {
		logger.InfoKV(ctx, "Dry run, release not published", "tag", result.Tag)

		return result, nil
	}

	assets := make([]string, 0, len(result.Outcomes))
	for _, outcome := range result.Outcomes {
		assets = append(assets, outcome.Artifact)
	}

	if result.URL, err = o.publisher.Publish(ctx, result.Tag, assets); err != nil {
		return result, fmt.Errorf("publish release %s: %w", result.Tag, err)
	}

	logger.InfoKV(ctx, "Release published", "tag", result.Tag, "url", result.URL, "assets", len(assets))

	return result, nil
}

// runMatrix builds every environment concurrently and waits for all of them.
// Workers record their outcome instead of returning it, so one failure cancels nothing.
func (o *orchestrator) runMatrix(ctx context.Context, version string, args []string) []*Outcome {
	envs := o.cfg.Release.Environments
	outcomes := make([]*Outcome, len(envs))

	var group errgroup.Group

	for i, env := range envs {
		group.Go(func() error {
			outcomes[i] = o.runEnvironment(ctx, env, args)

			return nil
		})
	}

	_ = group.Wait()

	return outcomes
}

func (o *orchestrator) runEnvironment(ctx context.Context, env config.Environment, args []string) *Outcome {
	ctx = logger.WithFields(ctx, "environment", env.Tag, "executor", o.executor.Name())
	started := time.Now()
	outcome := &Outcome{Environment: env.Tag}

	err := o.buildEnvironment(ctx, env, args)

	outcome.Duration = time.Since(started)
	outcome.Err = err

	if err != nil {
		logger.ErrorKV(ctx, "Environment build failed", "error", err)
	} else {
		logger.InfoKV(ctx, "Environment build finished", "duration", outcome.Duration.Round(time.Second))
	}

	return outcome
}

func (o *orchestrator) buildEnvironment(ctx context.Context, env config.Environment, args []string) error {
	workspace := o.workspace(env.Tag)

	if err := os.RemoveAll(workspace); err != nil {
		return fmt.Errorf("clear workspace: %w", err)
	}

	if err := prepareWorkspace(o.cfg, workspace); err != nil {
		return err
	}

	if err := config.Save(filepath.Join(workspace, config.DefaultConfigFilename), workspaceSettings(o.cfg)); err != nil {
		return fmt.Errorf("write workspace settings: %w", err)
	}

	return o.executor.Execute(ctx, &Job{
		Environment: env,
		Workspace:   workspace,
		Args:        args,
	})
}

// collect moves every environment's image into the output directory under its tagged name.
// Any build failure or missing image fails the whole matrix; nothing is moved in that case.
func (o *orchestrator) collect(ctx context.Context, version string, outcomes []*Outcome) error {
	var failed []string

	for _, outcome := range outcomes {
		if !outcome.Succeeded() {
			failed = append(failed, outcome.Environment)
		}
	}

	if len(failed) > 0 {
		errs := make([]error, 0, len(outcomes))
		for _, outcome := range outcomes {
			errs = append(errs, outcome.Err)
		}

		return fmt.Errorf("%w: %s: %w", ErrMatrixFailed, strings.Join(failed, ", "), errors.Join(errs...))
	}

	sources := make([]string, len(outcomes))

	for i, outcome := range outcomes {
		workspace := o.workspace(outcome.Environment)

		if err := o.checkReport(ctx, workspace, version); err != nil {
			outcome.Err = err

			return err
		}

		source := filepath.Join(workspace, workspaceSettings(o.cfg).OutputDir, o.cfg.ArtifactName(version))

		if _, err := os.Stat(source); err != nil {
			outcome.Err = fmt.Errorf("%w: %s", ErrMissingArtifact, source)

			return outcome.Err
		}

		sources[i] = source
	}

	releaseDir := o.cfg.Path(o.cfg.OutputDir)
	if err := os.MkdirAll(releaseDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	targets := make([]string, len(outcomes))

	for i, outcome := range outcomes {
		targets[i] = filepath.Join(releaseDir, o.cfg.TaggedArtifactName(version, outcome.Environment))

		if err := os.Rename(sources[i], targets[i]); err != nil {
			outcome.Err = fmt.Errorf("collect artifact: %w", err)

			return errors.Join(outcome.Err, o.uncollect(ctx, outcomes[:i], sources, targets))
		}

		outcome.Artifact = targets[i]

		logger.InfoKV(ctx, "Artifact collected", "environment", outcome.Environment, "path", targets[i])
	}

	return nil
}

// uncollect moves already collected images back into their workspaces.
func (o *orchestrator) uncollect(ctx context.Context, collected []*Outcome, sources, targets []string) error {
	var errs []error

	for i, outcome := range collected {
		if err := os.Rename(targets[i], sources[i]); err != nil {
			errs = append(errs, fmt.Errorf("return artifact of %s: %w", outcome.Environment, err))
			continue
		}

		outcome.Artifact = ""

		logger.DebugKV(ctx, "Artifact returned to workspace", "environment", outcome.Environment)
	}

	return errors.Join(errs...)
}

// checkReport compares the workspace's build record, when there is one, with the expected image.
func (o *orchestrator) checkReport(ctx context.Context, workspace, version string) error {
	settings := workspaceSettings(o.cfg)
	settings.ProjectDir = workspace

	record, err := report.ForProject(settings).Load(ctx)

	switch {
	case errors.Is(err, report.ErrNotFound):
		logger.DebugKV(ctx, "No build report in workspace", "workspace", workspace)
		return nil
	case err != nil:
		return err
	}

	if record.Version != version {
		return fmt.Errorf("%w: %s built version %s, expected %s", ErrVersionDrift, workspace, record.Version, version)
	}

	if !slices.Contains(record.Artifacts, o.cfg.ArtifactName(version)) {
		return fmt.Errorf("%w: %s reports no %s (state %s)",
			ErrMissingArtifact, workspace, o.cfg.ArtifactName(version), record.State)
	}

	return nil
}

// workspaceSettings returns the settings an environment builds with: rooted at its own copy,
// with every directory inside that copy. Absolute directories fall back to their defaults.
func workspaceSettings(cfg *config.Config) *config.Config {
	settings := *cfg
	settings.ProjectDir = "."

	defaults := config.Default()

	if filepath.IsAbs(settings.BuildDir) {
		settings.BuildDir = defaults.BuildDir
	}

	if filepath.IsAbs(settings.OutputDir) {
		settings.OutputDir = defaults.OutputDir
	}

	if filepath.IsAbs(settings.Python.VenvDir) {
		settings.Python.VenvDir = defaults.Python.VenvDir
	}

	return &settings
}

func (o *orchestrator) workspace(tag string) string {
	return filepath.Join(o.cfg.Path(o.cfg.BuildDir), matrixDir, tag)
}

func (o *orchestrator) printSummary(ctx context.Context, version string, outcomes []*Outcome) {
	if err := writeSummary(o.output, version, outcomes); err != nil {
		logger.WarnKV(ctx, "Failed to print summary", "error", err)
	}
}

// buildArgs are the single-host build flags every environment runs with.
func buildArgs(opts *Options) []string {
	args := []string{"--appimage", "--config", config.DefaultConfigFilename}

	if opts.Debug {
		args = append(args, "--debug")
	}

	return args
}
