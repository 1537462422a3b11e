// Package version exposes build metadata of the packaging tools.
//
// Version, Commit and BuildTime are injected with -ldflags -X at release
// time; local builds report the defaults.
package version
