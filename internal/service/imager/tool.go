package imager

import (
	"context"
	"crypto"
	_ "crypto/sha256" // registers crypto.SHA256 for go-update
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/chromadesk/chromadesk-build/internal/config"
	"github.com/chromadesk/chromadesk-build/internal/logger"
)

const toolMode os.FileMode = 0o755

var (
	// ErrDownloadFailed is returned when the pinned tool release cannot be fetched.
	ErrDownloadFailed = errors.New("image tool download failed")

	errBadChecksum = errors.New("malformed image tool checksum")
)

// tool is a usable image tool and the cleanup that must run once it is no longer needed.
type tool struct {
	path       string
	downloaded bool
	cleanup    func()
}

// locateTool returns the installed tool or downloads the pinned release.
func (i *Imager) locateTool(ctx context.Context) (*tool, error) {
	if path, err := i.lookPath(i.cfg.ImageTool.Name); err == nil {
		logger.DebugKV(ctx, "Using installed image tool", "path", path)

		return &tool{path: path, cleanup: func() {}}, nil
	} else if !errors.Is(err, exec.ErrNotFound) {
		logger.WarnKV(ctx, "Image tool lookup failed, falling back to download", "error", err)
	}

	return i.downloadTool(ctx)
}

// downloadTool fetches the pinned release into a fresh temporary directory.
func (i *Imager) downloadTool(ctx context.Context) (*tool, error) {
	toolCfg := i.cfg.ImageTool

	checksum, err := parseChecksum(toolCfg.SHA256)
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Image tool not found in PATH, downloading pinned release", "url", toolCfg.DownloadURL)

	temporaryDirectory, err := os.MkdirTemp("", "chromadesk-imagetool-")
	if err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}

	cleanup := func() {
		_ = os.RemoveAll(temporaryDirectory)
	}

	path := filepath.Join(temporaryDirectory, toolCfg.Name)
	if err = i.fetch(ctx, toolCfg, path, checksum); err != nil {
		cleanup()

		return nil, err
	}

	logger.InfoKV(ctx, "Downloaded image tool", "path", path, "verified", checksum != nil)

	return &tool{path: path, downloaded: true, cleanup: cleanup}, nil
}

func (i *Imager) fetch(ctx context.Context, toolCfg config.ImageTool, path string, checksum []byte) error {
	ctx, cancel := context.WithTimeout(ctx, toolCfg.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, toolCfg.DownloadURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	response, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, response.Body)

		return fmt.Errorf("%w: %s returned %s", ErrDownloadFailed, toolCfg.DownloadURL, response.Status)
	}

	// go-update replaces an existing target, so it has to be there first.
	placeholder, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, toolMode)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	_ = placeholder.Close()

	options := goupdate.Options{
		TargetPath: path,
		TargetMode: toolMode,
		Checksum:   checksum,
		Hash:       crypto.SHA256,
	}

	if err = goupdate.Apply(response.Body, options); err != nil {
		return fmt.Errorf("%w: install %s: %w", ErrDownloadFailed, path, err)
	}

	// The go-update mode only applies to newly created files.
	if err = os.Chmod(path, toolMode); err != nil {
		return fmt.Errorf("mark %s executable: %w", path, err)
	}

	return nil
}

// parseChecksum decodes the optional hex SHA-256; nil means unverified.
func parseChecksum(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}

	checksum, err := hex.DecodeString(value)
	if err != nil || len(checksum) != crypto.SHA256.Size() {
		return nil, fmt.Errorf("%w: %w: %q", config.ErrConfiguration, errBadChecksum, value)
	}

	return checksum, nil
}
