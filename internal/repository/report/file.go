package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chromadesk/chromadesk-build/internal/config"
	domain "github.com/chromadesk/chromadesk-build/internal/domain/build"
)

// DefaultFilename is the report's name inside the build directory.
const DefaultFilename = "build-report.yaml"

// ErrNotFound is returned when no report has been written yet.
var ErrNotFound = errors.New("build report not found")

// Repository defines persistence operations for the build record.
type Repository interface {
	Load(ctx context.Context) (*domain.Build, error)
	Save(ctx context.Context, build *domain.Build) error
}

// FileRepository persists the build record to a YAML file on disk.
type FileRepository struct {
	// path is the filesystem location of the report.
	path string
	// mu protects concurrent access to the report file.
	mu sync.Mutex
}

// record is the on-disk form of domain.Build.
type record struct {
	Version   string       `yaml:"version"`
	State     string       `yaml:"state"`
	Error     string       `yaml:"error,omitempty"`
	Artifacts []string     `yaml:"artifacts,omitempty"`
	BuiltBy   *actorRecord `yaml:"built_by,omitempty"`
	History   []transition `yaml:"history"`
}

type actorRecord struct {
	Hostname string `yaml:"hostname"`
	Username string `yaml:"username"`
}

type transition struct {
	From      string    `yaml:"from"`
	To        string    `yaml:"to"`
	Timestamp time.Time `yaml:"timestamp"`
}

// NewFileRepository creates a repository that reads and writes YAML at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// ForProject returns the repository of the project described by cfg.
func ForProject(cfg *config.Config) *FileRepository {
	return NewFileRepository(filepath.Join(cfg.Path(cfg.BuildDir), DefaultFilename))
}

// Path returns the report location.
func (r *FileRepository) Path() string {
	return r.path
}

// Load reads the record from disk.
func (r *FileRepository) Load(_ context.Context) (*domain.Build, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read build report: %w", err)
	}

	var rec record
	if err = yaml.Unmarshal(contents, &rec); err != nil {
		return nil, fmt.Errorf("decode build report: %w", err)
	}

	return fromRecord(&rec), nil
}

// Save writes the record to disk.
func (r *FileRepository) Save(_ context.Context, build *domain.Build) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := yaml.Marshal(toRecord(build))
	if err != nil {
		return fmt.Errorf("encode build report: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	if err = os.WriteFile(r.path, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write build report: %w", err)
	}

	return nil
}

// fromRecord converts the on-disk record into the domain model.
// A recorded failure comes back as an opaque error carrying the original message.
func fromRecord(rec *record) *domain.Build {
	build := &domain.Build{
		Version:   rec.Version,
		State:     domain.State(rec.State),
		Artifacts: rec.Artifacts,
	}

	if rec.Error != "" {
		build.Err = errors.New(rec.Error)
	}

	if rec.BuiltBy != nil {
		build.BuiltBy = &domain.Actor{
			Hostname: rec.BuiltBy.Hostname,
			Username: rec.BuiltBy.Username,
		}
	}

	for _, t := range rec.History {
		build.History = append(build.History, domain.Transition{
			From:      domain.State(t.From),
			To:        domain.State(t.To),
			Timestamp: t.Timestamp,
		})
	}

	return build
}

// toRecord converts the domain model into its on-disk record.
func toRecord(build *domain.Build) *record {
	rec := &record{
		Version:   build.Version,
		State:     string(build.State),
		Artifacts: build.Artifacts,
		History:   make([]transition, 0, len(build.History)),
	}

	if build.Err != nil {
		rec.Error = build.Err.Error()
	}

	if build.BuiltBy != nil {
		rec.BuiltBy = &actorRecord{
			Hostname: build.BuiltBy.Hostname,
			Username: build.BuiltBy.Username,
		}
	}

	for _, t := range build.History {
		rec.History = append(rec.History, transition{
			From:      string(t.From),
			To:        string(t.To),
			Timestamp: t.Timestamp,
		})
	}

	return rec
}
