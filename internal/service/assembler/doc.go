// Package assembler builds the staging directory (the AppDir) from a fixed
// manifest of project files.
//
// Every source is checked and parsed before the target is touched, so a
// missing or malformed input never leaves a half-built tree behind. The
// target is recreated from scratch on every run, which makes re-runs produce
// identical trees.
package assembler
