package release

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/chromadesk/chromadesk-build/internal/config"
	"github.com/chromadesk/chromadesk-build/internal/executil"
	"github.com/chromadesk/chromadesk-build/internal/fsutil"
	"github.com/chromadesk/chromadesk-build/internal/logger"
)

// Supported executor names.
const (
	ExecutorDocker = "docker"
	ExecutorLocal  = "local"
)

// ErrUnknownExecutor is returned for an executor name other than docker or local.
var ErrUnknownExecutor = errors.New("unknown executor")

// Job is one matrix build.
type Job struct {
	// Environment is the base environment to build in.
	Environment config.Environment
	// Workspace is the host directory holding this environment's project copy.
	Workspace string
	// Args are passed to the single-host build command.
	Args []string
}

// Executor runs a job to completion inside its base environment.
type Executor interface {
	Name() string
	Execute(ctx context.Context, job *Job) error
}

// LocalExecutor runs every job on the current host, ignoring the environment's image and setup.
type LocalExecutor struct {
	runner executil.Runner
	binary string
}

// NewLocalExecutor returns an executor that runs binary directly.
func NewLocalExecutor(runner executil.Runner, binary string) *LocalExecutor {
	return &LocalExecutor{
		runner: runner,
		binary: binary,
	}
}

// Name implements Executor.
func (e *LocalExecutor) Name() string {
	return ExecutorLocal
}

// Execute implements Executor.
func (e *LocalExecutor) Execute(ctx context.Context, job *Job) error {
	if len(job.Environment.Setup) > 0 {
		logger.DebugKV(ctx, "Local executor skips environment setup", "steps", len(job.Environment.Setup))
	}

	_, err := e.runner.Run(ctx, executil.Command{
		Name: e.binary,
		Args: job.Args,
		Dir:  job.Workspace,
	})
	if err != nil {
		return fmt.Errorf("build %s: %w", job.Environment.Tag, err)
	}

	return nil
}

// prepareWorkspace copies the project into dst, leaving out build outputs and package environments.
func prepareWorkspace(cfg *config.Config, dst string) error {
	excluded := map[string]struct{}{
		".git": {},
	}

	project, err := filepath.Abs(cfg.ProjectDir)
	if err != nil {
		return fmt.Errorf("resolve project directory: %w", err)
	}

	// Directories of the host settings and of the relocated workspace settings.
	for _, settings := range []*config.Config{cfg, workspaceSettings(cfg)} {
		for _, dir := range []string{settings.BuildDir, settings.StagingDir, settings.OutputDir, settings.Python.VenvDir} {
			if rel, ok := projectRelative(project, dir); ok && rel != "." {
				excluded[rel] = struct{}{}
			}
		}

		if rel, ok := projectRelative(project, settings.Python.VenvDir); ok {
			excluded[rel+".lock"] = struct{}{}
		}
	}

	skip := func(rel string, _ fs.DirEntry) bool {
		if _, ok := excluded[rel]; ok {
			return true
		}

		// Images produced next to the project are never inputs.
		return !strings.Contains(rel, "/") && strings.HasSuffix(rel, ".AppImage")
	}

	if err = fsutil.CopyTree(cfg.ProjectDir, dst, skip); err != nil {
		return fmt.Errorf("copy project into %s: %w", dst, err)
	}

	return nil
}

// projectRelative returns dir as a slash-separated path relative to project.
// Absolute directories outside the project report false.
func projectRelative(project, dir string) (string, bool) {
	if dir == "" {
		return "", false
	}

	if filepath.IsAbs(dir) {
		rel, err := filepath.Rel(project, dir)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", false
		}

		dir = rel
	}

	return path.Clean(filepath.ToSlash(dir)), true
}
