package executil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/chromadesk/chromadesk-build/internal/logger"
)

// ErrToolFailed is wrapped by every error caused by an external tool exiting non-zero.
var ErrToolFailed = errors.New("external tool failed")

// Command describes one external tool invocation.
type Command struct {
	// Name is the executable name or path.
	Name string
	// Args are passed to the executable unchanged.
	Args []string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env is appended to the current process environment.
	Env []string
}

// String renders the command line for logs.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)

	for _, arg := range c.Args {
		if arg == "" || strings.ContainsAny(arg, " \t\"'") {
			arg = fmt.Sprintf("%q", arg)
		}

		parts = append(parts, arg)
	}

	return strings.Join(parts, " ")
}

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output returns stdout and stderr joined for diagnostics.
func (r *Result) Output() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// ToolError reports a non-zero exit together with the tool's captured output.
type ToolError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

// Error implements error.
func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if e.Output != "" {
		msg += ":\n" + e.Output
	}

	return msg
}

// Unwrap exposes both ErrToolFailed and the underlying exec error.
func (e *ToolError) Unwrap() []error {
	return []error{ErrToolFailed, e.Err}
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, cmd Command) (*Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, cmd Command) (*Result, error) {
	return f(ctx, cmd)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct {
	// Stream receives a live copy of the command output when set.
	Stream io.Writer
}

// NewExecRunner returns a runner for real child processes.
func NewExecRunner() *ExecRunner {
	return new(ExecRunner)
}

// Run starts the command and blocks until it exits.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	logger.DebugKV(ctx, "Running command", "command", cmd.String(), "dir", cmd.Dir)

	//nolint:gosec // Running configured build tools is the purpose of this package.
	process := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	process.Dir = cmd.Dir

	if len(cmd.Env) > 0 {
		process.Env = append(os.Environ(), cmd.Env...)
	}

	var stdout, stderr bytes.Buffer

	process.Stdout = &stdout
	process.Stderr = &stderr

	if r.Stream != nil {
		process.Stdout = io.MultiWriter(&stdout, r.Stream)
		process.Stderr = io.MultiWriter(&stderr, r.Stream)
	}

	err := process.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: process.ProcessState.ExitCode(),
	}

	if err != nil {
		return result, &ToolError{
			Command:  cmd.String(),
			ExitCode: result.ExitCode,
			Output:   result.Output(),
			Err:      err,
		}
	}

	return result, nil
}
