// Package build contains the core domain types of one packaging run.
//
// It defines State (how far the staging directory has progressed), Build
// (the state of a run with its transition history and artifacts) and Actor
// (who ran it), with Clone helpers to avoid leaking internal references.
package build
