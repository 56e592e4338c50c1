// Package deps finds the bundled Jellyfish shared library that the
// extension binary links against, using ldd on Linux and otool on macOS.
package deps

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/iric-soft/jfbundle/internal/execx"
	"github.com/iric-soft/jfbundle/internal/logging"
	"github.com/iric-soft/jfbundle/internal/match"
	"github.com/iric-soft/jfbundle/internal/platform"
)

// LibraryFilter selects the Jellyfish library among linked dependencies.
const LibraryFilter = "libjellyfish-2.0"

// ErrUnresolved is returned when the loader cannot locate the library.
var ErrUnresolved = errors.New("linked library not found by the loader")

// LinkedDependency is the library reference recorded in the binary.
type LinkedDependency struct {
	// Path is the resolved path (ldd) or the install name (otool).
	Path     string
	Basename string
}

// ParseLdd extracts the Jellyfish library from ldd output.
func ParseLdd(output []byte) (*LinkedDependency, error) {
	lines := filter(output, 0)
	line, err := match.One(LibraryFilter+" in ldd output", "", lines)
	if err != nil {
		return nil, err
	}

	ref := line
	if _, rhs, ok := strings.Cut(line, "=>"); ok {
		ref = rhs
	}
	fields := strings.Fields(ref)
	if len(fields) == 0 || fields[0] == "not" {
		return nil, fmt.Errorf("%w: %s", ErrUnresolved, strings.TrimSpace(line))
	}

	return &LinkedDependency{Path: fields[0], Basename: filepath.Base(fields[0])}, nil
}

// ParseOtool extracts the Jellyfish library from `otool -L` output. The
// first line names the inspected binary and is skipped.
func ParseOtool(output []byte) (*LinkedDependency, error) {
	lines := filter(output, 1)
	line, err := match.One(LibraryFilter+" in otool output", "", lines)
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty otool entry", ErrUnresolved)
	}
	// install names always use forward slashes
	return &LinkedDependency{Path: fields[0], Basename: path.Base(fields[0])}, nil
}

// filter returns the trimmed lines containing LibraryFilter, after
// skipping the first skip lines.
func filter(output []byte, skip int) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(output))
	for n := 0; sc.Scan(); n++ {
		if n < skip {
			continue
		}
		line := strings.TrimSpace(sc.Text())
		if strings.Contains(line, LibraryFilter) {
			out = append(out, line)
		}
	}
	return out
}

// Resolver runs the platform's dependency listing tool.
type Resolver struct {
	runner execx.Runner
	getenv func(string) string
	logger logging.Logger
}

// NewResolver creates a resolver running tools through r.
func NewResolver(r execx.Runner, logger logging.Logger) *Resolver {
	return &Resolver{runner: r, getenv: os.Getenv, logger: logging.OrNop(logger)}
}

// WithEnv makes the resolver read the inherited environment through
// getenv instead of os.Getenv.
func (r *Resolver) WithEnv(getenv func(string) string) *Resolver {
	if getenv != nil {
		r.getenv = getenv
	}
	return r
}

// Resolve lists the dependencies of binary and returns the single
// Jellyfish library. libDir is added to the loader search path on Linux so
// a library installed under a private prefix resolves.
func (r *Resolver) Resolve(ctx context.Context, binary string, target platform.OS, libDir string) (*LinkedDependency, error) {
	var (
		cmd   execx.Command
		parse func([]byte) (*LinkedDependency, error)
	)
	switch target {
	case platform.Linux:
		cmd = execx.Command{
			Name: "ldd",
			Args: []string{binary},
			Env:  []string{execx.PrependList(r.getenv, "LD_LIBRARY_PATH", libDir)},
		}
		parse = ParseLdd
	case platform.Darwin:
		cmd = execx.Command{Name: "otool", Args: []string{"-L", binary}}
		parse = ParseOtool
	default:
		return nil, platform.Supported(target)
	}

	out, err := r.runner.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}

	dep, err := parse(out)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", LibraryFilter, err)
	}

	r.logger.Info("linked dependency resolved", "binary", binary, "library", dep.Path)
	return dep, nil
}
