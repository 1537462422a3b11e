// Package provision prepares the isolated Python environment the
// application is frozen from.
//
// The environment is created on first use and reused afterwards. The pinned
// GUI toolkit goes in first, then the project's core dependencies, then the
// image-only extra group when an image is requested. A lock marker next to
// the environment keeps two builds from installing into it at once.
package provision
