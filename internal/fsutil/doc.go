// Package fsutil holds the file helpers shared by the staging, imaging and
// release steps.
package fsutil
