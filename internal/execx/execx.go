// Package execx runs external build tools with an explicit working
// directory and environment overlay.
//
// Nothing here mutates the process environment or working directory. Each
// Command carries its own Dir and the variables it overrides, so concurrent
// callers and tests never observe each other's state.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/iric-soft/jfbundle/internal/logging"
)

// Command is a single external invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env holds KEY=VALUE entries layered over the inherited environment.
	Env []string
}

// Argv returns the command name followed by its arguments.
func (c Command) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

func (c Command) String() string {
	return strings.Join(c.Argv(), " ")
}

// Runner executes commands and returns their combined output.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ProcessError reports a tool that could not be started or exited non-zero.
// Output is the tool's combined stdout and stderr, unmodified.
type ProcessError struct {
	Args     []string
	Dir      string
	ExitCode int // -1 when the process never started
	Output   []byte
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", strings.Join(e.Args, " "), e.Err)
	if len(e.Output) > 0 {
		msg += "\n\nOutput:\n" + string(e.Output)
	}
	return msg
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// OSRunner runs commands as child processes.
type OSRunner struct {
	logger logging.Logger
	// Echo receives output as it is produced, if set.
	Echo io.Writer
}

// NewOSRunner creates a runner that logs each invocation at debug level.
func NewOSRunner(logger logging.Logger) *OSRunner {
	return &OSRunner{logger: logging.OrNop(logger)}
}

// Run starts cmd and waits for it. Stdout and stderr are drained
// concurrently and verbatim into one buffer in arrival order.
func (r *OSRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = MergeEnv(os.Environ(), cmd.Env)

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, r.startError(cmd, err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, r.startError(cmd, err)
	}

	r.logger.Debug("running command", "cmd", cmd.String(), "dir", cmd.Dir, "env", cmd.Env)

	if err := c.Start(); err != nil {
		return nil, r.startError(cmd, err)
	}

	out := &outputWriter{echo: r.Echo}
	var g errgroup.Group
	g.Go(func() error { return drain(out, stdout) })
	g.Go(func() error { return drain(out, stderr) })
	drainErr := g.Wait()

	waitErr := c.Wait()
	output := out.Bytes()
	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		return output, &ProcessError{
			Args:     cmd.Argv(),
			Dir:      cmd.Dir,
			ExitCode: code,
			Output:   output,
			Err:      waitErr,
		}
	}
	if drainErr != nil {
		return output, fmt.Errorf("read output of %s: %w", cmd.Name, drainErr)
	}

	return output, nil
}

// drain copies rd into out until EOF. On a read error it keeps discarding
// so the child never blocks on a full pipe.
func drain(out io.Writer, rd io.Reader) error {
	_, err := io.Copy(out, rd)
	if err != nil {
		_, _ = io.Copy(io.Discard, rd)
	}
	return err
}

// outputWriter collects stdout and stderr chunks in arrival order, teeing
// them to echo when set.
type outputWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	echo io.Writer
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if w.echo != nil {
		// echo failures do not fail the command
		_, _ = w.echo.Write(p)
	}
	return len(p), nil
}

func (w *outputWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Bytes()
}

func (r *OSRunner) startError(cmd Command, err error) error {
	return &ProcessError{
		Args:     cmd.Argv(),
		Dir:      cmd.Dir,
		ExitCode: -1,
		Err:      err,
	}
}
