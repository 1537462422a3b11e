// Package imager turns the staging directory into the distributable image.
//
// The image tool is taken from PATH when installed. Otherwise the pinned
// release is downloaded into a temporary directory for the duration of one
// build and removed afterwards, whatever the outcome. A portable zstd tarball
// of the staging directory can be written as an additional artifact.
package imager
