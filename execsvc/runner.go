// Package execsvc runs the external generate and send scripts and captures
// their output and exit status.
package execsvc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// ExitCodeUnknown is reported when the process did not exit normally
// (timeout, cancellation, or failure to start).
const ExitCodeUnknown = -1

// maxOutput caps each captured stream so a chatty script cannot exhaust memory.
const maxOutput = 1 << 20

// Command describes one script invocation.
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Result is the outcome of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration

	// Err is set when the process could not start or was killed.
	Err error
}

// Succeeded reports whether the command exited with status zero.
func (r Result) Succeeded() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Runner executes commands. The process is always reaped before Run returns.
type Runner struct {
	defaultTimeout time.Duration
}

// NewRunner creates a Runner applying defaultTimeout to commands without one.
func NewRunner(defaultTimeout time.Duration) *Runner {
	return &Runner{defaultTimeout: defaultTimeout}
}

// Run executes cmd and captures its output.
func (r *Runner) Run(ctx context.Context, cmd Command) Result {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	if cmd.Path == "" {
		return Result{ExitCode: ExitCodeUnknown, Stderr: "empty command", Err: errors.New("empty command")}
	}

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}
	c.WaitDelay = 2 * time.Second

	stdout := &limitedBuffer{max: maxOutput}
	stderr := &limitedBuffer{max: maxOutput}
	c.Stdout = stdout
	c.Stderr = stderr

	runErr := c.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr == nil {
		return res
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) && ctx.Err() == nil {
		res.ExitCode = exitErr.ExitCode()
		return res
	}

	res.ExitCode = ExitCodeUnknown
	if ctx.Err() != nil {
		res.Err = fmt.Errorf("%s: %w", cmd.Path, ctx.Err())
	} else {
		res.Err = fmt.Errorf("%s: %w", cmd.Path, runErr)
	}
	if res.Stderr == "" {
		res.Stderr = res.Err.Error()
	}
	return res
}

// limitedBuffer keeps the first max bytes and silently discards the rest.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
