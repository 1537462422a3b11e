package imager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/chromadesk/chromadesk-build/internal/config"
	"github.com/chromadesk/chromadesk-build/internal/executil"
	"github.com/chromadesk/chromadesk-build/internal/fsutil"
	"github.com/chromadesk/chromadesk-build/internal/logger"
)

const imageMode os.FileMode = 0o755

var (
	// ErrToolReportedError is returned when the tool exits cleanly but prints an error.
	ErrToolReportedError = errors.New("image tool reported an error")
	// ErrPostCondition is returned when the image is missing after a successful run.
	ErrPostCondition = errors.New("image missing after build")
)

// Imager builds images from the staging directory.
type Imager struct {
	cfg      *config.Config
	runner   executil.Runner
	client   *http.Client
	lookPath func(file string) (string, error)
}

// Option customizes an Imager.
type Option func(*Imager)

// WithHTTPClient replaces the client used for the fallback download.
func WithHTTPClient(client *http.Client) Option {
	return func(i *Imager) {
		i.client = client
	}
}

// WithLookPath replaces the PATH lookup.
func WithLookPath(lookPath func(file string) (string, error)) Option {
	return func(i *Imager) {
		i.lookPath = lookPath
	}
}

// New returns an imager for the configured tool.
func New(cfg *config.Config, runner executil.Runner, options ...Option) *Imager {
	imager := &Imager{
		cfg:      cfg,
		runner:   runner,
		client:   http.DefaultClient,
		lookPath: exec.LookPath,
	}

	for _, option := range options {
		option(imager)
	}

	return imager
}

// Build compresses the staging directory into the versioned image and returns its path.
func (i *Imager) Build(ctx context.Context, version string) (string, error) {
	ctx = logger.WithName(ctx, "imager")

	tool, err := i.locateTool(ctx)
	if err != nil {
		return "", err
	}

	defer tool.cleanup()

	outputDir := i.cfg.Path(i.cfg.OutputDir)
	if err = os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	output := filepath.Join(outputDir, i.cfg.ArtifactName(version))

	// A leftover image from an earlier run must not satisfy the post-condition.
	if err = os.Remove(output); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove previous image: %w", err)
	}

	cmd := executil.Command{
		Name: tool.path,
		Args: []string{i.cfg.StagingPath(), output},
		Dir:  i.cfg.ProjectDir,
		Env:  []string{"ARCH=" + i.cfg.Arch},
	}

	if tool.downloaded {
		// The downloaded tool is itself an image and may run where FUSE is unavailable.
		cmd.Env = append(cmd.Env, "APPIMAGE_EXTRACT_AND_RUN=1")
	}

	logger.InfoKV(ctx, "Building image", "tool", tool.path, "output", output)

	result, err := i.runner.Run(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("build image: %w", err)
	}

	if line, found := reportedError(result.Output()); found {
		return "", fmt.Errorf("%w: %s\n%s", ErrToolReportedError, line, result.Output())
	}

	if err = os.Chmod(output, imageMode); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrPostCondition, output)
		}

		return "", fmt.Errorf("mark image executable: %w", err)
	}

	if err = fsutil.CheckExecutable(output); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPostCondition, err)
	}

	logger.InfoKV(ctx, "Image ready", "path", output)

	return output, nil
}

// reportedError finds the first output line the tool marked as an error with an "error:" prefix.
func reportedError(output string) (string, bool) {
	for line := range strings.SplitSeq(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(trimmed), "error:") {
			return trimmed, true
		}
	}

	return "", false
}
