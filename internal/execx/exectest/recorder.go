// Package exectest provides a recording execx.Runner for tests.
package exectest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/iric-soft/jfbundle/internal/execx"
)

// Handler produces the outcome of a recorded command.
type Handler func(cmd execx.Command) ([]byte, error)

type rule struct {
	prefix  string
	handler Handler
}

// Recorder records every command it receives and answers with the handler
// whose prefix is the longest match of the command line. Unmatched commands
// succeed with no output.
type Recorder struct {
	mu    sync.Mutex
	calls []execx.Command
	rules []rule
}

// New returns an empty recorder.
func New() *Recorder {
	return &Recorder{}
}

// On registers h for command lines starting with prefix, for example
// "make install" or "ldd".
func (r *Recorder) On(prefix string, h Handler) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{prefix: prefix, handler: h})
	return r
}

// Output makes commands matching prefix print out and succeed.
func (r *Recorder) Output(prefix, out string) *Recorder {
	return r.On(prefix, func(execx.Command) ([]byte, error) {
		return []byte(out), nil
	})
}

// Fail makes commands matching prefix exit with code and print out.
func (r *Recorder) Fail(prefix string, code int, out string) *Recorder {
	return r.On(prefix, func(cmd execx.Command) ([]byte, error) {
		return []byte(out), &execx.ProcessError{
			Args:     cmd.Argv(),
			Dir:      cmd.Dir,
			ExitCode: code,
			Output:   []byte(out),
			Err:      fmt.Errorf("exit status %d", code),
		}
	})
}

// Run implements execx.Runner.
func (r *Recorder) Run(ctx context.Context, cmd execx.Command) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	line := cmd.String()
	var (
		best    Handler
		bestLen = -1
	)
	for _, rl := range r.rules {
		if strings.HasPrefix(line, rl.prefix) && len(rl.prefix) > bestLen {
			best, bestLen = rl.handler, len(rl.prefix)
		}
	}
	r.mu.Unlock()

	if best == nil {
		return nil, nil
	}
	return best(cmd)
}

// Calls returns the recorded commands in order.
func (r *Recorder) Calls() []execx.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]execx.Command(nil), r.calls...)
}

// Lines returns the recorded command lines in order.
func (r *Recorder) Lines() []string {
	calls := r.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = c.String()
	}
	return lines
}

// Find returns the first recorded command starting with prefix.
func (r *Recorder) Find(prefix string) (execx.Command, error) {
	for _, c := range r.Calls() {
		if strings.HasPrefix(c.String(), prefix) {
			return c, nil
		}
	}
	return execx.Command{}, errors.New("no command matching " + prefix)
}

// EnvValue returns the value cmd sets for key in its overlay.
func EnvValue(cmd execx.Command, key string) (string, bool) {
	for _, kv := range cmd.Env {
		k, v, _ := strings.Cut(kv, "=")
		if k == key {
			return v, true
		}
	}
	return "", false
}
