// Package executil runs external tools for the build pipeline.
//
// Every invocation captures stdout and stderr so that a failing tool's own
// diagnostics can be surfaced verbatim. At debug level each command line is
// echoed before it runs.
package executil
