package assembler

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
)

const (
	// mainGroup is the group every desktop entry must have.
	mainGroup = "Desktop Entry"

	// LauncherExec is the command line of the root-level desktop entry.
	LauncherExec = "AppRun"
)

// requiredKeys must be present in the main group of the source entry.
//
//nolint:gochecknoglobals // Fixed by the desktop-entry format.
var requiredKeys = []string{"Version", "Name", "Exec", "Icon", "Terminal", "Type", "Categories"}

// ErrInvalidDesktopEntry is returned for descriptors that cannot be parsed or miss required keys.
var ErrInvalidDesktopEntry = errors.New("invalid desktop entry")

// Entry is one key=value line.
type Entry struct {
	Key   string
	Value string
}

// Group is one [section] of a desktop entry.
type Group struct {
	Name    string
	Entries []Entry
}

// DesktopFile is a parsed desktop-entry descriptor. Comments and blank lines are not kept.
type DesktopFile struct {
	Groups []Group
}

// parseDesktopFile parses key=value groups.
func parseDesktopFile(contents []byte) (*DesktopFile, error) {
	file := new(DesktopFile)
	scanner := bufio.NewScanner(bytes.NewReader(contents))
	lineNumber := 0

	for scanner.Scan() {
		lineNumber++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			file.Groups = append(file.Groups, Group{Name: strings.TrimSpace(line[1 : len(line)-1])})
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: line %d is not key=value", ErrInvalidDesktopEntry, lineNumber)
		}

		if len(file.Groups) == 0 {
			return nil, fmt.Errorf("%w: line %d appears before any group", ErrInvalidDesktopEntry, lineNumber)
		}

		group := &file.Groups[len(file.Groups)-1]
		group.Entries = append(group.Entries, Entry{
			Key:   strings.TrimSpace(key),
			Value: strings.TrimSpace(value),
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDesktopEntry, err)
	}

	return file, nil
}

// validate checks that the main group exists and carries every required key.
func (f *DesktopFile) validate() error {
	group := f.group(mainGroup)
	if group == nil {
		return fmt.Errorf("%w: missing [%s] group", ErrInvalidDesktopEntry, mainGroup)
	}

	var missing []string

	for _, key := range requiredKeys {
		if value, ok := group.get(key); !ok || value == "" {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing keys %s", ErrInvalidDesktopEntry, strings.Join(missing, ", "))
	}

	return nil
}

// Get returns the value of a key in the main group.
func (f *DesktopFile) Get(key string) string {
	group := f.group(mainGroup)
	if group == nil {
		return ""
	}

	value, _ := group.get(key)

	return value
}

// withLauncher returns a copy whose main group runs the launcher, references the
// staged icon by name and carries the version.
func (f *DesktopFile) withLauncher(version, icon string) *DesktopFile {
	out := &DesktopFile{Groups: make([]Group, len(f.Groups))}

	for i, group := range f.Groups {
		out.Groups[i] = Group{
			Name:    group.Name,
			Entries: append([]Entry(nil), group.Entries...),
		}
	}

	primary := out.group(mainGroup)
	primary.set("Exec", LauncherExec)
	primary.set("Icon", icon)
	primary.set("X-AppImage-Version", version)

	return out
}

func (f *DesktopFile) group(name string) *Group {
	for i := range f.Groups {
		if f.Groups[i].Name == name {
			return &f.Groups[i]
		}
	}

	return nil
}

func (g *Group) get(key string) (string, bool) {
	for _, entry := range g.Entries {
		if entry.Key == key {
			return entry.Value, true
		}
	}

	return "", false
}

func (g *Group) set(key, value string) {
	for i := range g.Entries {
		if g.Entries[i].Key == key {
			g.Entries[i].Value = value
			return
		}
	}

	g.Entries = append(g.Entries, Entry{Key: key, Value: value})
}
