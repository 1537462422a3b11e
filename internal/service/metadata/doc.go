// Package metadata resolves and updates the application version.
//
// The version lives in pyproject.toml, either in the [project] table or in
// [tool.poetry], and is mirrored as __version__ in the package module. Reads
// prefer the TOML decoder and fall back to a line scanner; updates are plain
// textual substitutions that leave every other byte of the files untouched.
package metadata
