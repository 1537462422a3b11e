// Package launcher writes the AppRun entry point of the staging directory.
//
// The launcher resolves its own location, prepends the bundled directories to
// the search paths and hands control to the frozen executable. Host session
// variables needed to reach the desktop's settings service survive the
// environment changes and are exported only if the host had them.
package launcher
