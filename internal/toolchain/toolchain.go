// Package toolchain locates the binary patching tool for the host and, on
// Linux, provisions patchelf through pip when it is missing.
//
// The tool is searched on an augmented path: the private tool directory,
// the Python user base, then the inherited PATH. The process PATH itself is
// never modified.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/iric-soft/jfbundle/internal/execx"
	"github.com/iric-soft/jfbundle/internal/logging"
	"github.com/iric-soft/jfbundle/internal/platform"
)

// ErrToolUnavailable means the patching tool is absent and could not be
// provisioned.
var ErrToolUnavailable = errors.New("binary patching tool unavailable")

// ToolName returns the patching tool used on target.
func ToolName(target platform.OS) (string, error) {
	switch target {
	case platform.Linux:
		return "patchelf", nil
	case platform.Darwin:
		return "install_name_tool", nil
	default:
		return "", platform.Supported(target)
	}
}

// Options configures a Resolver.
type Options struct {
	ToolDir string // pip --target inside a virtual environment
	Python  string
	// Getenv reads the inherited environment; os.Getenv when nil.
	Getenv func(string) string
}

// Resolver finds or installs the patching tool.
type Resolver struct {
	runner   execx.Runner
	opts     Options
	lookPath func(file, pathList string) (string, error)
	logger   logging.Logger
}

// NewResolver creates a resolver running pip through r.
func NewResolver(r execx.Runner, opts Options, logger logging.Logger) *Resolver {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Python == "" {
		opts.Python = "python3"
	}
	return &Resolver{
		runner:   r,
		opts:     opts,
		lookPath: execx.LookPathIn,
		logger:   logging.OrNop(logger),
	}
}

// userBase mirrors Python's site.USER_BASE on POSIX systems.
func (r *Resolver) userBase() string {
	if base := r.opts.Getenv("PYTHONUSERBASE"); base != "" {
		return base
	}
	if home := r.opts.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".local")
	}
	return ""
}

// SearchPath returns the augmented PATH used for tool lookup.
func (r *Resolver) SearchPath() string {
	var dirs []string
	if r.opts.ToolDir != "" {
		dirs = append(dirs, filepath.Join(r.opts.ToolDir, "bin"))
	}
	if base := r.userBase(); base != "" {
		dirs = append(dirs, filepath.Join(base, "bin"))
	}
	return execx.JoinList(r.opts.Getenv("PATH"), dirs...)
}

// Lookup returns the absolute path of the patching tool for target.
func (r *Resolver) Lookup(target platform.OS) (string, error) {
	name, err := ToolName(target)
	if err != nil {
		return "", err
	}
	p, err := r.lookPath(name, r.SearchPath())
	if err != nil {
		return "", fmt.Errorf("%w: %s not found: %v", ErrToolUnavailable, name, err)
	}
	return p, nil
}

// Needed reports whether the tool must be provisioned before relocation.
// Only patchelf is ever installed; install_name_tool ships with the Xcode
// command line tools.
func (r *Resolver) Needed(target platform.OS) bool {
	if target != platform.Linux {
		return false
	}
	_, err := r.Lookup(target)
	return err != nil
}

// InVirtualEnv reports whether pip runs inside an isolated environment,
// where --user installs are rejected.
func (r *Resolver) InVirtualEnv() bool {
	return r.opts.Getenv("VIRTUAL_ENV") != ""
}

// InstallCommand returns the pip invocation that provisions patchelf.
func (r *Resolver) InstallCommand() execx.Command {
	args := []string{"-m", "pip", "install"}
	if r.InVirtualEnv() {
		args = append(args, "patchelf", "--target", r.opts.ToolDir)
	} else {
		args = append(args, "--user", "patchelf")
	}
	return execx.Command{Name: r.opts.Python, Args: args}
}

// Install provisions patchelf with pip and resolves it again. It is only
// meaningful on Linux.
func (r *Resolver) Install(ctx context.Context, target platform.OS) (string, error) {
	if target != platform.Linux {
		return r.Lookup(target)
	}

	cmd := r.InstallCommand()
	r.logger.Info("installing patchelf", "cmd", cmd.String(), "virtualenv", r.InVirtualEnv())
	if _, err := r.runner.Run(ctx, cmd); err != nil {
		return "", fmt.Errorf("%w: pip install patchelf: %w", ErrToolUnavailable, err)
	}

	p, err := r.Lookup(target)
	if err != nil {
		return "", fmt.Errorf("after install: %w", err)
	}
	r.logger.Info("patchelf available", "path", p)
	return p, nil
}

// Ensure returns the tool path, installing patchelf first when needed.
func (r *Resolver) Ensure(ctx context.Context, target platform.OS) (string, error) {
	if p, err := r.Lookup(target); err == nil {
		return p, nil
	} else if target != platform.Linux {
		return "", err
	}
	return r.Install(ctx, target)
}
