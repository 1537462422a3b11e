// Package release runs one build per matrix environment and publishes the
// resulting images as a single release.
//
// Every environment gets its own copy of the project so parallel builds never
// share a staging directory or package environment. All builds run to
// completion before the matrix is evaluated; one failure does not cancel the
// others, but any failure prevents publishing.
package release
