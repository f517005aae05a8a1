// Package exec runs fixed-argument-vector subprocesses with timeouts and
// output caps. Nothing here ever passes through a shell; callers always
// supply a complete argv.
package exec

import (
	"context"
	"time"
)

// Default output caps applied to every captured stream.
const (
	DefaultStdoutLimit = 8 * 1024
	DefaultStderrLimit = 4 * 1024
)

// DefaultTimeout bounds a subprocess when the caller sets none.
const DefaultTimeout = 120 * time.Second

// Executor runs a command in some environment.
type Executor interface {
	// Run executes argv and returns the captured result. A non-zero exit
	// code is reported in the Result, not as an error.
	Run(ctx context.Context, argv []string, opts *Opts) (Result, error)

	// Name returns the executor name for logging.
	Name() string
}

// Opts contains options for command execution.
type Opts struct {
	// Env contains extra environment variables (KEY=VALUE format),
	// appended to the inherited environment.
	Env []string

	// Timeout is the maximum duration for command execution. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	// WorkDir is the working directory for the command.
	WorkDir string

	// Stdin is written to the process before closing its input.
	Stdin string

	// StdoutLimit caps captured stdout bytes. Zero means DefaultStdoutLimit.
	StdoutLimit int

	// StderrLimit caps captured stderr bytes. Zero means DefaultStderrLimit.
	StderrLimit int
}

// Result contains the outcome of command execution.
type Result struct {
	// Stdout holds captured standard output, truncated at the cap.
	Stdout string

	// Stderr holds captured standard error, truncated at the cap.
	Stderr string

	// Duration is how long the command ran.
	Duration time.Duration

	// Returncode is the exit code; -1 when the process timed out or
	// failed to start.
	Returncode int

	// TimedOut is set when the per-call timeout killed the process.
	TimedOut bool
}

func (o *Opts) timeout() time.Duration {
	if o == nil || o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

func (o *Opts) stdoutLimit() int {
	if o == nil || o.StdoutLimit <= 0 {
		return DefaultStdoutLimit
	}
	return o.StdoutLimit
}

func (o *Opts) stderrLimit() int {
	if o == nil || o.StderrLimit <= 0 {
		return DefaultStderrLimit
	}
	return o.StderrLimit
}
