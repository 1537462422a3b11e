package release

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chromadesk/chromadesk-build/internal/config"
	"github.com/chromadesk/chromadesk-build/internal/executil"
)

// TestPrepareWorkspace copies sources and leaves outputs and environments behind.
func TestPrepareWorkspace(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.ProjectDir = t.TempDir()
	cfg.OutputDir = "dist"

	for _, rel := range []string{
		"pyproject.toml",
		"chromadesk/main.py",
		".git/HEAD",
		".venv/bin/python",
		".venv.lock",
		"AppDir/AppRun",
		"build/work/x",
		"dist/old.AppImage",
		"stray.AppImage",
	} {
		path := cfg.Path(rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(rel), 0o644))
	}

	dst := filepath.Join(t.TempDir(), "ws")
	require.NoError(t, prepareWorkspace(cfg, dst))

	var files []string

	require.NoError(t, filepath.WalkDir(dst, func(path string, d os.DirEntry, err error) error {
		require.NoError(t, err)

		if !d.IsDir() {
			rel, relErr := filepath.Rel(dst, path)
			require.NoError(t, relErr)

			files = append(files, filepath.ToSlash(rel))
		}

		return nil
	}))

	sort.Strings(files)
	require.Equal(t, []string{"chromadesk/main.py", "pyproject.toml"}, files)
}

// TestLocalExecutor runs the build binary inside the workspace.
func TestLocalExecutor(t *testing.T) {
	t.Parallel()

	var seen executil.Command

	runner := executil.RunnerFunc(func(_ context.Context, cmd executil.Command) (*executil.Result, error) {
		seen = cmd
		return new(executil.Result), nil
	})

	executor := NewLocalExecutor(runner, "/opt/chromadesk-build")
	err := executor.Execute(context.Background(), &Job{
		Environment: config.Environment{Tag: "A", Setup: []string{"apt-get update"}},
		Workspace:   "/work/A",
		Args:        []string{"--appimage"},
	})
	require.NoError(t, err)
	require.Equal(t, "/opt/chromadesk-build", seen.Name)
	require.Equal(t, "/work/A", seen.Dir)
	require.Equal(t, []string{"--appimage"}, seen.Args)
}

// TestContainerScript runs setup, the quoted build and the ownership handover in order.
func TestContainerScript(t *testing.T) {
	t.Parallel()

	script := containerScript([]string{"apt-get update", "apt-get install -y python3"},
		[]string{"--appimage", "--config", "it's.yaml"}, 1000, 1001)

	setup := strings.Index(script, "apt-get install -y python3")
	build := strings.Index(script, containerBinary+" '--appimage' '--config' 'it'\\''s.yaml'")
	chown := strings.Index(script, "chown -R 1000:1001 /workspace")

	require.True(t, strings.HasPrefix(script, "set -e\n"))
	require.Positive(t, setup)
	require.Greater(t, build, setup)
	require.Greater(t, chown, build)
	require.True(t, strings.HasSuffix(script, "exit $status\n"))
}

// TestPrepareWorkspace_AbsoluteDirectories leaves out absolute directories that live inside the project.
func TestPrepareWorkspace_AbsoluteDirectories(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.ProjectDir = t.TempDir()
	cfg.BuildDir = filepath.Join(cfg.ProjectDir, "out", "build")
	cfg.OutputDir = filepath.Join(t.TempDir(), "dist")

	for _, rel := range []string{"pyproject.toml", "out/build/matrix/A/pyproject.toml", "out/keep.txt"} {
		path := cfg.Path(rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(rel), 0o644))
	}

	dst := filepath.Join(t.TempDir(), "ws")
	require.NoError(t, prepareWorkspace(cfg, dst))

	require.FileExists(t, filepath.Join(dst, "pyproject.toml"))
	require.FileExists(t, filepath.Join(dst, "out", "keep.txt"))
	require.NoDirExists(t, filepath.Join(dst, "out", "build"))
}
