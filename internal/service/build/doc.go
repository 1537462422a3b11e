// Package build runs the single-host packaging pipeline.
//
// The order is fixed: optional version update, version resolution,
// dependency provisioning, staging, freezing, launcher generation and, when
// requested, image creation. The first fatal error aborts the run and leaves
// the build in the FAILED state.
package build
