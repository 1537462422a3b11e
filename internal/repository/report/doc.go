// Package report persists the record of the last build in a project.
//
// The record is a small YAML document written next to the freezer's
// intermediate files. The release orchestrator reads it back from every
// matrix workspace to confirm what each environment produced.
package report
