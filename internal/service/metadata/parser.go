package metadata

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// versionTables lists the table shapes that may carry the version key, in lookup order.
//
//nolint:gochecknoglobals // Fixed lookup order.
var versionTables = [][]string{
	{"project"},
	{"tool", "poetry"},
}

var (
	tableHeaderPattern = regexp.MustCompile(`^\s*\[\s*([A-Za-z0-9_.\-" ]+?)\s*\]\s*(#.*)?$`)
	versionKeyPattern  = regexp.MustCompile(`^(\s*version\s*=\s*)(["'])([^"']*)(["'])(.*)$`)
	pythonVersionRegex = regexp.MustCompile(`^(\s*__version__\s*(?::\s*str\s*)?=\s*)(["'])([^"']*)(["'])(.*)$`)
)

// errKeyMissing is returned by a parser that finds no version key in any known table.
var errKeyMissing = errors.New("version key missing")

// parser extracts the version from pyproject.toml contents.
type parser interface {
	name() string
	parse(contents []byte) (string, error)
}

// decoderParser uses the structured TOML decoder.
type decoderParser struct{}

func (decoderParser) name() string {
	return "toml-decoder"
}

func (decoderParser) parse(contents []byte) (string, error) {
	var document map[string]any

	if _, err := toml.Decode(string(contents), &document); err != nil {
		return "", fmt.Errorf("decode toml: %w", err)
	}

	for _, table := range versionTables {
		value, ok := lookup(document, append(append([]string(nil), table...), "version"))
		if !ok {
			continue
		}

		version, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("%s.version is %T, not a string", strings.Join(table, "."), value)
		}

		return version, nil
	}

	return "", errKeyMissing
}

func lookup(document map[string]any, path []string) (any, bool) {
	var current any = document

	for _, key := range path {
		table, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = table[key]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// scannerParser walks the file line by line and tracks table headers.
// It understands only what version lookup needs: headers and basic string values.
type scannerParser struct{}

func (scannerParser) name() string {
	return "line-scanner"
}

func (scannerParser) parse(contents []byte) (string, error) {
	found := make(map[string]string, len(versionTables))

	scanner := bufio.NewScanner(bytes.NewReader(contents))
	table := ""

	for scanner.Scan() {
		line := scanner.Text()

		if header, ok := parseTableHeader(line); ok {
			table = header
			continue
		}

		if m := versionKeyPattern.FindStringSubmatch(line); m != nil {
			if _, seen := found[table]; !seen {
				found[table] = m[3]
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan toml: %w", err)
	}

	for _, table := range versionTables {
		if version, ok := found[strings.Join(table, ".")]; ok {
			return version, nil
		}
	}

	return "", errKeyMissing
}

// parseTableHeader returns the dotted table name of a "[a.b]" line.
// Array-of-tables headers ("[[a]]") never carry the version and are reported as an unnamed table.
func parseTableHeader(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "[[") {
		return "[[array]]", true
	}

	m := tableHeaderPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}

	parts := strings.Split(m[1], ".")
	for i, part := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(part), `"`)
	}

	return strings.Join(parts, "."), true
}
