package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"syscall"
	"time"
)

// LocalExec executes commands directly on the local system.
type LocalExec struct{}

// NewLocalExec creates a new local executor.
func NewLocalExec() *LocalExec {
	return &LocalExec{}
}

// Name returns the executor name.
func (e *LocalExec) Name() string {
	return "local"
}

// Run executes argv locally. Timeouts kill the whole process group and are
// reported as Returncode -1 with stderr "timed out".
func (e *LocalExec) Run(ctx context.Context, argv []string, opts *Opts) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("command cannot be empty")
	}

	startTime := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	cmd := osexec.CommandContext(runCtx, argv[0], argv[1:]...)

	if opts != nil && opts.WorkDir != "" {
		if _, err := os.Stat(opts.WorkDir); os.IsNotExist(err) {
			return Result{}, fmt.Errorf("working directory does not exist: %s", opts.WorkDir)
		}
		cmd.Dir = opts.WorkDir
	}

	if opts != nil && len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	if opts != nil && opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	// Children get their own process group so a timeout kills the whole
	// tree, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout := newCappedBuffer(opts.stdoutLimit())
	stderr := newCappedBuffer(opts.stderrLimit())
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	duration := time.Since(startTime)

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.Returncode = -1
		result.Stderr = "timed out"
		result.TimedOut = true
		return result, nil
	}

	if err != nil {
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is a result for the caller, not an error.
			result.Returncode = exitErr.ExitCode()
			return result, nil
		}
		// Failed to start or was interrupted some other way.
		result.Returncode = -1
		return result, err
	}

	return result, nil
}

// StartDetached launches argv without waiting for it, for fire-and-forget
// actions like dev servers. The child keeps running after this process exits.
func StartDetached(argv []string, workDir string) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("command cannot be empty")
	}

	cmd := osexec.Command(argv[0], argv[1:]...)
	if workDir != "" {
		if _, err := os.Stat(workDir); os.IsNotExist(err) {
			return 0, fmt.Errorf("working directory does not exist: %s", workDir)
		}
		cmd.Dir = workDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	pid := cmd.Process.Pid

	// Reap the child when it eventually exits so it never zombies.
	go func() { _ = cmd.Wait() }()

	return pid, nil
}

// cappedBuffer keeps at most max bytes and silently drops the rest, so a
// chatty subprocess cannot balloon memory or the wire payload.
type cappedBuffer struct {
	buf strings.Builder
	max int
}

func newCappedBuffer(maxBytes int) *cappedBuffer {
	return &cappedBuffer{max: maxBytes}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - b.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	// Report full consumption so the pipe keeps draining.
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
