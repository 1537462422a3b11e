package metadata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/chromadesk/chromadesk-build/internal/config"
	"github.com/chromadesk/chromadesk-build/internal/logger"
)

var (
	// ErrVersionKeyNotFound is returned when no known table shape carries a version key.
	ErrVersionKeyNotFound = errors.New("version key not found")
	// ErrEmptyVersion is returned when the version key is present but empty.
	ErrEmptyVersion = errors.New("version is empty")
	// ErrInvalidVersion is returned for candidates not shaped MAJOR.MINOR.PATCH.
	ErrInvalidVersion = errors.New("invalid version")
	// ErrVersionMismatch is returned by Check when the metadata copies disagree.
	ErrVersionMismatch = errors.New("version copies disagree")
)

// releaseVersionPattern is the only accepted shape for a version update.
var releaseVersionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Resolve reads the version from the primary metadata file.
func Resolve(ctx context.Context, cfg *config.Config) (string, error) {
	primary, ok := cfg.PrimaryMetadata()
	if !ok {
		return "", fmt.Errorf("%w: no pyproject metadata file configured", config.ErrConfiguration)
	}

	path := cfg.Path(primary.Path)

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %w", config.ErrConfiguration, path, err)
	}

	version, err := resolveFrom(ctx, contents, decoderParser{}, scannerParser{})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", config.ErrConfiguration, path, err)
	}

	return version, nil
}

// resolveFrom tries each parser in order. A parser that cannot read the document
// hands over to the next one; a parser that reads it but finds no key is final.
func resolveFrom(ctx context.Context, contents []byte, parsers ...parser) (string, error) {
	var lastErr error

	for _, p := range parsers {
		version, err := p.parse(contents)

		switch {
		case errors.Is(err, errKeyMissing):
			return "", fmt.Errorf("%w: looked in [project] and [tool.poetry]", ErrVersionKeyNotFound)
		case err != nil:
			logger.WarnKV(ctx, "Version parser unavailable for this file, trying next", "parser", p.name(), "error", err)
			lastErr = err

			continue
		}

		version = strings.TrimSpace(version)
		if version == "" {
			return "", ErrEmptyVersion
		}

		logger.DebugKV(ctx, "Resolved version", "parser", p.name(), "version", version)

		return version, nil
	}

	return "", lastErr
}

// ValidateCandidate checks a version-update candidate against MAJOR.MINOR.PATCH.
func ValidateCandidate(candidate string) error {
	if !releaseVersionPattern.MatchString(candidate) {
		return fmt.Errorf("%w %q: expected MAJOR.MINOR.PATCH, e.g. 1.2.3", ErrInvalidVersion, candidate)
	}

	return nil
}

// Update rewrites the version in every metadata file.
// Nothing is written unless the candidate is valid and every file has a version field to replace.
func Update(ctx context.Context, cfg *config.Config, candidate string) error {
	ctx = logger.WithName(ctx, "metadata")

	if err := ValidateCandidate(candidate); err != nil {
		return err
	}

	writes := make([]pendingWrite, 0, len(cfg.MetadataFiles))

	for _, file := range cfg.MetadataFiles {
		path := cfg.Path(file.Path)

		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("%w: stat %s: %w", config.ErrConfiguration, path, err)
		}

		contents, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("%w: read %s: %w", config.ErrConfiguration, path, err)
		}

		updated, previous, err := substitute(file.Kind, string(contents), candidate)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", config.ErrConfiguration, path, err)
		}

		logVersionChange(ctx, path, previous, candidate)

		writes = append(writes, pendingWrite{
			path:     path,
			original: contents,
			contents: []byte(updated),
			mode:     info.Mode().Perm(),
		})
	}

	if err := commit(writes); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Version updated", "version", candidate, "files", len(writes))

	return nil
}

// pendingWrite is one prepared metadata rewrite.
type pendingWrite struct {
	path     string
	original []byte
	contents []byte
	mode     os.FileMode
	temp     string
}

// renameFile replaces a metadata file with its staged copy.
//
//nolint:gochecknoglobals // Swapped in tests to fail a replacement.
var renameFile = os.Rename

// commit stages every rewrite in a sibling temporary file, then replaces the originals.
// A failed replacement restores the files already replaced.
func commit(writes []pendingWrite) error {
	defer func() {
		for _, w := range writes {
			if w.temp != "" {
				_ = os.Remove(w.temp)
			}
		}
	}()

	for i := range writes {
		temp, err := stage(&writes[i])
		if err != nil {
			return fmt.Errorf("write %s: %w", writes[i].path, err)
		}

		writes[i].temp = temp
	}

	for i, w := range writes {
		if err := renameFile(w.temp, w.path); err != nil {
			errs := []error{fmt.Errorf("replace %s: %w", w.path, err)}

			for _, done := range writes[:i] {
				if restoreErr := os.WriteFile(done.path, done.original, done.mode); restoreErr != nil {
					errs = append(errs, fmt.Errorf("restore %s: %w", done.path, restoreErr))
				}
			}

			return errors.Join(errs...)
		}

		writes[i].temp = ""
	}

	return nil
}

// stage writes the new contents next to the target and returns the temporary path.
func stage(w *pendingWrite) (string, error) {
	file, err := os.CreateTemp(filepath.Dir(w.path), "."+filepath.Base(w.path)+".*.tmp")
	if err != nil {
		return "", err
	}

	_, writeErr := file.Write(w.contents)
	chmodErr := file.Chmod(w.mode)
	closeErr := file.Close()

	if err = errors.Join(writeErr, chmodErr, closeErr); err != nil {
		_ = os.Remove(file.Name())
		return "", err
	}

	return file.Name(), nil
}

// Check reports the version of every metadata file and fails when they disagree.
func Check(cfg *config.Config) (map[string]string, error) {
	versions := make(map[string]string, len(cfg.MetadataFiles))

	var first string

	for i, file := range cfg.MetadataFiles {
		path := cfg.Path(file.Path)

		contents, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		_, current, err := substitute(file.Kind, string(contents), "")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		versions[file.Path] = current

		if i == 0 {
			first = current
		} else if current != first {
			return versions, fmt.Errorf("%w: %s has %q, expected %q", ErrVersionMismatch, file.Path, current, first)
		}
	}

	return versions, nil
}

// substitute replaces the version value in contents and returns the new contents and the old value.
func substitute(kind, contents, version string) (string, string, error) {
	lines := strings.SplitAfter(contents, "\n")

	index := -1

	var pattern *regexp.Regexp

	switch kind {
	case config.MetadataKindPyproject:
		pattern = versionKeyPattern
		index = findPyprojectVersionLine(lines)
	case config.MetadataKindPython:
		pattern = pythonVersionRegex
		index = findLine(lines, pattern)
	default:
		return "", "", fmt.Errorf("%w: unknown metadata kind %q", config.ErrConfiguration, kind)
	}

	if index < 0 {
		return "", "", ErrVersionKeyNotFound
	}

	body, ending := splitLineEnding(lines[index])
	m := pattern.FindStringSubmatch(body)
	previous := m[3]

	lines[index] = m[1] + m[2] + version + m[4] + m[5] + ending

	return strings.Join(lines, ""), previous, nil
}

// findPyprojectVersionLine returns the line holding the version key of the first matching table shape.
func findPyprojectVersionLine(lines []string) int {
	positions := make(map[string]int, len(versionTables))
	table := ""

	for i, line := range lines {
		body, _ := splitLineEnding(line)

		if header, ok := parseTableHeader(body); ok {
			table = header
			continue
		}

		if versionKeyPattern.MatchString(body) {
			if _, seen := positions[table]; !seen {
				positions[table] = i
			}
		}
	}

	for _, shape := range versionTables {
		if i, ok := positions[strings.Join(shape, ".")]; ok {
			return i
		}
	}

	return -1
}

func findLine(lines []string, pattern *regexp.Regexp) int {
	for i, line := range lines {
		body, _ := splitLineEnding(line)
		if pattern.MatchString(body) {
			return i
		}
	}

	return -1
}

func splitLineEnding(line string) (string, string) {
	switch {
	case strings.HasSuffix(line, "\r\n"):
		return line[:len(line)-2], "\r\n"
	case strings.HasSuffix(line, "\n"):
		return line[:len(line)-1], "\n"
	default:
		return line, ""
	}
}

// logVersionChange reports downgrades loudly; they are allowed but usually a mistake.
func logVersionChange(ctx context.Context, path, previous, next string) {
	oldVersion, oldErr := semver.NewVersion(previous)
	newVersion, newErr := semver.NewVersion(next)

	if oldErr != nil || newErr != nil {
		logger.InfoKV(ctx, "Replacing version", "file", path, "from", previous, "to", next)
		return
	}

	if newVersion.LessThan(oldVersion) {
		logger.WarnKV(ctx, "Version goes backwards", "file", path, "from", previous, "to", next)
		return
	}

	logger.InfoKV(ctx, "Replacing version", "file", path, "from", previous, "to", next)
}
