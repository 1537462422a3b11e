package release

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/stretchr/testify/require"

	"github.com/chromadesk/chromadesk-build/internal/config"
	buildstate "github.com/chromadesk/chromadesk-build/internal/domain/build"
	"github.com/chromadesk/chromadesk-build/internal/repository/report"
)

// fakeExecutor imitates environment builds by writing the expected image into the workspace.
type fakeExecutor struct {
	mu      sync.Mutex
	version string
	fail    map[string]error
	missing map[string]bool
	delay   map[string]time.Duration
	reports map[string]string
	jobs    []*Job
	done    []string
}

func (e *fakeExecutor) Name() string {
	return "fake"
}

func (e *fakeExecutor) Execute(ctx context.Context, job *Job) error {
	e.mu.Lock()
	e.jobs = append(e.jobs, job)
	e.mu.Unlock()

	tag := job.Environment.Tag

	select {
	case <-time.After(e.delay[tag]):
	case <-ctx.Done():
		return ctx.Err()
	}

	defer func() {
		e.mu.Lock()
		e.done = append(e.done, tag)
		e.mu.Unlock()
	}()

	if err := e.fail[tag]; err != nil {
		return err
	}

	cfg, err := config.Load(filepath.Join(job.Workspace, config.DefaultConfigFilename))
	if err != nil {
		return err
	}

	cfg.ProjectDir = job.Workspace

	if reported, ok := e.reports[tag]; ok {
		record := buildstate.New(reported)
		record.AddArtifact(cfg.ArtifactName(reported))

		if err = report.ForProject(cfg).Save(ctx, record); err != nil {
			return err
		}
	}

	if e.missing[tag] {
		return nil
	}

	dist := filepath.Join(job.Workspace, cfg.OutputDir)
	if err = os.MkdirAll(dist, 0o755); err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dist, cfg.ArtifactName(e.version)), []byte("image-"+tag), 0o755)
}

// fakeGitHub records the release API calls it receives.
type fakeGitHub struct {
	mu       sync.Mutex
	created  []string
	uploads  map[string]string
	deleted  []string
	existing *github.RepositoryRelease
	token    string
}

func newFakeGitHub(t *testing.T) (*fakeGitHub, *httptest.Server) {
	t.Helper()

	gh := &fakeGitHub{uploads: make(map[string]string)}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /repos/anantdark/chromadesk/releases/tags/{tag}", func(w http.ResponseWriter, r *http.Request) {
		gh.mu.Lock()
		defer gh.mu.Unlock()

		gh.token = r.Header.Get("Authorization")

		if gh.existing == nil || gh.existing.GetTagName() != r.PathValue("tag") {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
			return
		}

		_ = json.NewEncoder(w).Encode(gh.existing)
	})

	mux.HandleFunc("POST /repos/anantdark/chromadesk/releases", func(w http.ResponseWriter, r *http.Request) {
		var req github.RepositoryRelease
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		gh.mu.Lock()
		gh.created = append(gh.created, req.GetTagName())
		gh.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&github.RepositoryRelease{
			ID:      github.Int64(7),
			TagName: req.TagName,
			HTMLURL: github.String("https://github.com/anantdark/chromadesk/releases/tag/" + req.GetTagName()),
		})
	})

	mux.HandleFunc("POST /repos/anantdark/chromadesk/releases/{id}/assets", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		gh.mu.Lock()
		gh.uploads[r.PathValue("id")+"/"+r.URL.Query().Get("name")] = string(body)
		gh.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	})

	mux.HandleFunc("DELETE /repos/anantdark/chromadesk/releases/assets/{id}", func(w http.ResponseWriter, r *http.Request) {
		gh.mu.Lock()
		gh.deleted = append(gh.deleted, r.PathValue("id"))
		gh.mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return gh, server
}

// newProject writes a minimal checkout with two matrix environments A and B.
func newProject(t *testing.T, serverURL string) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.ProjectDir = t.TempDir()
	cfg.OutputDir = "dist"
	cfg.Release.Environments = []config.Environment{
		{Tag: "A", Image: "ubuntu:22.04"},
		{Tag: "B", Image: "ubuntu:20.04"},
	}

	if serverURL != "" {
		cfg.Release.APIURL = serverURL
		cfg.Release.UploadURL = serverURL
	}

	files := map[string]string{
		"pyproject.toml":         "[project]\nname = \"chromadesk\"\nversion = \"0.3.2\"\n",
		"chromadesk/__init__.py": "__version__ = \"0.3.2\"\n",
		"chromadesk/main.py":     "print('hi')\n",
	}

	for rel, data := range files {
		path := cfg.Path(rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	}

	return cfg
}

func newOrchestrator(t *testing.T, cfg *config.Config, executor Executor, publisher Publisher) (*orchestrator, *bytes.Buffer) {
	t.Helper()

	var out bytes.Buffer

	return &orchestrator{
		cfg:       cfg,
		executor:  executor,
		publisher: publisher,
		output:    &out,
	}, &out
}

// TestRun_PublishesMatrix builds A and B for 0.4.0 and publishes both tagged images.
func TestRun_PublishesMatrix(t *testing.T) {
	t.Parallel()

	gh, server := newFakeGitHub(t)
	cfg := newProject(t, server.URL)
	executor := &fakeExecutor{version: "0.4.0"}

	publisher, err := NewGitHubPublisher(cfg.Release, "secret", server.Client())
	require.NoError(t, err)

	o, out := newOrchestrator(t, cfg, executor, publisher)

	result, err := o.run(context.Background(), &Options{VersionUpdate: "0.4.0"})
	require.NoError(t, err)
	require.Equal(t, "0.4.0", result.Version)
	require.Equal(t, "v0.4.0", result.Tag)
	require.Equal(t, "https://github.com/anantdark/chromadesk/releases/tag/v0.4.0", result.URL)

	for _, tag := range []string{"A", "B"} {
		path := filepath.Join(cfg.ProjectDir, "dist", "ChromaDesk-0.4.0-x86_64-"+tag+".AppImage")
		content, readErr := os.ReadFile(path)
		require.NoError(t, readErr)
		require.Equal(t, "image-"+tag, string(content))
	}

	require.Equal(t, []string{"v0.4.0"}, gh.created)
	require.Equal(t, "Bearer secret", gh.token)
	require.Equal(t, map[string]string{
		"7/ChromaDesk-0.4.0-x86_64-A.AppImage": "image-A",
		"7/ChromaDesk-0.4.0-x86_64-B.AppImage": "image-B",
	}, gh.uploads)

	require.Contains(t, out.String(), "ChromaDesk-0.4.0-x86_64-A.AppImage")
	require.Contains(t, out.String(), "OK")

	// Each environment built from its own copy of the project.
	require.Len(t, executor.jobs, 2)
	require.NotEqual(t, executor.jobs[0].Workspace, executor.jobs[1].Workspace)
	require.Contains(t, executor.jobs[0].Args, "--appimage")
}

// TestRun_OneFailureBlocksPublishing lets A finish although B failed first, then publishes nothing.
func TestRun_OneFailureBlocksPublishing(t *testing.T) {
	t.Parallel()

	gh, server := newFakeGitHub(t)
	cfg := newProject(t, server.URL)
	buildErr := errors.New("pip exploded")
	executor := &fakeExecutor{
		version: "0.3.2",
		fail:    map[string]error{"B": buildErr},
		delay:   map[string]time.Duration{"A": 50 * time.Millisecond},
	}

	publisher, err := NewGitHubPublisher(cfg.Release, "secret", server.Client())
	require.NoError(t, err)

	o, out := newOrchestrator(t, cfg, executor, publisher)

	result, err := o.run(context.Background(), &Options{})
	require.ErrorIs(t, err, ErrMatrixFailed)
	require.ErrorIs(t, err, buildErr)
	require.Contains(t, err.Error(), "B")

	done := append([]string(nil), executor.done...)
	sort.Strings(done)
	require.Equal(t, []string{"A", "B"}, done)

	require.True(t, result.Outcomes[0].Succeeded())
	require.False(t, result.Outcomes[1].Succeeded())
	require.Empty(t, gh.created)
	require.Empty(t, gh.uploads)
	require.Contains(t, out.String(), "FAILED")

	_, err = os.Stat(filepath.Join(cfg.ProjectDir, "dist", "ChromaDesk-0.3.2-x86_64-A.AppImage"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestRun_MissingArtifact fails when a successful build produced no image.
func TestRun_MissingArtifact(t *testing.T) {
	t.Parallel()

	gh, server := newFakeGitHub(t)
	cfg := newProject(t, server.URL)
	executor := &fakeExecutor{version: "0.3.2", missing: map[string]bool{"B": true}}

	publisher, err := NewGitHubPublisher(cfg.Release, "secret", server.Client())
	require.NoError(t, err)

	o, _ := newOrchestrator(t, cfg, executor, publisher)

	_, err = o.run(context.Background(), &Options{})
	require.ErrorIs(t, err, ErrMissingArtifact)
	require.Contains(t, err.Error(), filepath.Join("matrix", "B"))
	require.Empty(t, gh.uploads)
}

// TestRun_VersionDrift refuses an environment whose build record names another version.
func TestRun_VersionDrift(t *testing.T) {
	t.Parallel()

	cfg := newProject(t, "")
	executor := &fakeExecutor{
		version: "0.3.2",
		reports: map[string]string{"A": "0.3.2", "B": "0.3.1"},
	}
	o, _ := newOrchestrator(t, cfg, executor, nil)

	result, err := o.run(context.Background(), &Options{DryRun: true})
	require.ErrorIs(t, err, ErrVersionDrift)
	require.False(t, result.Outcomes[1].Succeeded())
}

// TestRun_DryRun collects artifacts without a publisher.
func TestRun_DryRun(t *testing.T) {
	t.Parallel()

	cfg := newProject(t, "")
	executor := &fakeExecutor{version: "0.3.2", reports: map[string]string{"A": "0.3.2", "B": "0.3.2"}}
	o, _ := newOrchestrator(t, cfg, executor, nil)

	result, err := o.run(context.Background(), &Options{DryRun: true, Tag: "nightly"})
	require.NoError(t, err)
	require.Equal(t, "nightly", result.Tag)
	require.Empty(t, result.URL)

	for _, outcome := range result.Outcomes {
		_, statErr := os.Stat(outcome.Artifact)
		require.NoError(t, statErr)
	}
}

// TestRun_InvalidVersionUpdate stops before any environment runs.
func TestRun_InvalidVersionUpdate(t *testing.T) {
	t.Parallel()

	cfg := newProject(t, "")
	executor := &fakeExecutor{version: "0.3.2"}
	o, _ := newOrchestrator(t, cfg, executor, nil)

	_, err := o.run(context.Background(), &Options{VersionUpdate: "0.4", DryRun: true})
	require.Error(t, err)
	require.Empty(t, executor.jobs)
}

// TestNewExecutor rejects unknown executor names.
func TestNewExecutor(t *testing.T) {
	t.Parallel()

	executor, closeExecutor, err := newExecutor(ExecutorLocal, "/usr/local/bin/chromadesk-build")
	require.NoError(t, err)
	require.Equal(t, ExecutorLocal, executor.Name())
	closeExecutor()

	_, _, err = newExecutor("podman", "")
	require.ErrorIs(t, err, ErrUnknownExecutor)
	require.ErrorIs(t, err, config.ErrConfiguration)
}

// TestRun_AbsoluteDirectories keeps every environment inside its workspace and still collects
// the images into the absolute output directory.
func TestRun_AbsoluteDirectories(t *testing.T) {
	t.Parallel()

	cfg := newProject(t, "")
	cfg.OutputDir = filepath.Join(t.TempDir(), "dist")
	cfg.Python.VenvDir = filepath.Join(t.TempDir(), "venv")

	executor := &fakeExecutor{version: "0.3.2", reports: map[string]string{"A": "0.3.2", "B": "0.3.2"}}
	o, _ := newOrchestrator(t, cfg, executor, nil)

	result, err := o.run(context.Background(), &Options{DryRun: true})
	require.NoError(t, err)

	for _, tag := range []string{"A", "B"} {
		path := filepath.Join(cfg.OutputDir, "ChromaDesk-0.3.2-x86_64-"+tag+".AppImage")
		content, readErr := os.ReadFile(path)
		require.NoError(t, readErr)
		require.Equal(t, "image-"+tag, string(content))
	}

	require.Len(t, result.Outcomes, 2)
	require.Len(t, executor.jobs, 2)

	for _, job := range executor.jobs {
		saved, loadErr := config.Load(filepath.Join(job.Workspace, config.DefaultConfigFilename))
		require.NoError(t, loadErr)
		require.False(t, filepath.IsAbs(saved.OutputDir), saved.OutputDir)
		require.False(t, filepath.IsAbs(saved.BuildDir), saved.BuildDir)
		require.False(t, filepath.IsAbs(saved.Python.VenvDir), saved.Python.VenvDir)
	}
}

// TestRun_CollectFailureReturnsImages puts collected images back when a later one cannot be moved.
func TestRun_CollectFailureReturnsImages(t *testing.T) {
	t.Parallel()

	cfg := newProject(t, "")
	executor := &fakeExecutor{version: "0.3.2"}
	o, _ := newOrchestrator(t, cfg, executor, nil)

	// A non-empty directory where B's image should land cannot be replaced.
	blocker := filepath.Join(cfg.ProjectDir, "dist", "ChromaDesk-0.3.2-x86_64-B.AppImage")
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "keep"), 0o755))

	result, err := o.run(context.Background(), &Options{DryRun: true})
	require.Error(t, err)
	require.False(t, result.Outcomes[1].Succeeded())
	require.Empty(t, result.Outcomes[0].Artifact)

	require.NoFileExists(t, filepath.Join(cfg.ProjectDir, "dist", "ChromaDesk-0.3.2-x86_64-A.AppImage"))

	for _, tag := range []string{"A", "B"} {
		require.FileExists(t, filepath.Join(o.workspace(tag), "dist", "ChromaDesk-0.3.2-x86_64.AppImage"))
	}

	// A rerun of the collection finds every image again once the target is free.
	require.NoError(t, os.RemoveAll(blocker))
	result.Outcomes[1].Err = nil
	require.NoError(t, o.collect(context.Background(), "0.3.2", result.Outcomes))
	require.FileExists(t, filepath.Join(cfg.ProjectDir, "dist", "ChromaDesk-0.3.2-x86_64-A.AppImage"))
}
