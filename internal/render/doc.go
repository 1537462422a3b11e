// Package render turns typed data into the text files placed in the staging
// directory: the launcher script and desktop-entry descriptors.
//
// Templates are embedded into the binary so a build never depends on files
// outside the project being packaged.
package render
