// Package freezer bundles the application and its dependencies into one
// self-contained executable inside the staging directory.
//
// The packaging tool's exit code is not taken as proof of success: the
// executable must exist and be marked executable afterwards.
package freezer
