package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/chromadesk/chromadesk-build/internal/logger"
)

const (
	lockFileMode os.FileMode = 0o644

	// unreadableLockAge is how long a marker without a valid PID counts as being written.
	unreadableLockAge = time.Minute
)

// ErrEnvironmentBusy is returned when another live process holds the environment lock.
var ErrEnvironmentBusy = errors.New("package environment is in use by another build")

// processAlive reports whether a process with the given PID exists.
func processAlive(pid int) (bool, error) {
	process, err := ps.FindProcess(pid)
	if err != nil {
		return false, err
	}

	return process != nil, nil
}

// lockPath returns the marker location for an environment directory.
func lockPath(venvDir string) string {
	return filepath.Clean(venvDir) + ".lock"
}

// acquireLock creates the marker for venvDir and returns a release function.
// A marker left by a process that no longer exists is treated as stale and replaced.
func acquireLock(ctx context.Context, venvDir string) (func(), error) {
	path := lockPath(venvDir)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, lockFileMode)
		if err == nil {
			_, writeErr := file.WriteString(strconv.Itoa(os.Getpid()))
			closeErr := file.Close()

			if writeErr != nil || closeErr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock %s: %w", path, errors.Join(writeErr, closeErr))
			}

			return func() { _ = os.Remove(path) }, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}

		if err = checkStaleLock(ctx, path); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrEnvironmentBusy, path)
}

// checkStaleLock removes the marker when its owner is gone and fails when it is alive.
// A marker without a valid PID is still being written by its owner until it is unreadableLockAge old.
func checkStaleLock(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("inspect lock %s: %w", path, err)
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read lock %s: %w", path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(contents)))
	if (err != nil || pid <= 0) && time.Since(info.ModTime()) < unreadableLockAge {
		return fmt.Errorf("%w: lock %s has no owner yet", ErrEnvironmentBusy, path)
	}

	if err == nil && pid > 0 && pid != os.Getpid() {
		alive, aliveErr := processAlive(pid)
		if aliveErr != nil {
			return fmt.Errorf("inspect lock owner %d: %w", pid, aliveErr)
		}

		if alive {
			return fmt.Errorf("%w: held by process %d (%s)", ErrEnvironmentBusy, pid, path)
		}
	}

	logger.WarnKV(ctx, "Removing stale environment lock", "path", path, "owner", strings.TrimSpace(string(contents)))

	if err = os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale lock %s: %w", path, err)
	}

	return nil
}
