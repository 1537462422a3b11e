// Package logger provides a small wrapper around zap to offer:
//   - a global sugared logger with a colored console encoder writing to stderr,
//   - context helpers (ToContext/FromContext/WithName/WithKV/WithFields),
//   - level configuration and parsing utilities,
//   - convenience functions (Infof, ErrorKV, etc.).
//
// Every pipeline step accepts a context and extracts the logger from it, so
// log lines carry the step name and the build environment they belong to.
package logger
