// Package nativebuild compiles and installs Jellyfish from an extracted
// source tree and stages its Python binding.
package nativebuild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/iric-soft/jfbundle/internal/execx"
	"github.com/iric-soft/jfbundle/internal/logging"
)

// MaxJobs bounds the parallelism passed to make.
const MaxJobs = 8

// Options describes one native build.
type Options struct {
	SourceDir     string // the extracted jellyfish-<version> directory
	Prefix        string // install prefix passed to configure
	StagingLibDir string // pip --target for the binding
	Jobs          int
	Python        string
	// Getenv reads the inherited environment; os.Getenv when nil.
	Getenv func(string) string
}

// Step is one tool invocation of the build.
type Step struct {
	Name    string
	Command execx.Command
}

// Steps returns the build invocations in execution order.
func Steps(opts Options) []Step {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	jobs := opts.Jobs
	if jobs < 1 {
		jobs = 1
	}
	if jobs > MaxJobs {
		jobs = MaxJobs
	}

	python := opts.Python
	if python == "" {
		python = "python3"
	}

	pkgConfig := []string{
		execx.PrependList(getenv, "PKG_CONFIG_PATH", filepath.Join(opts.Prefix, "lib", "pkgconfig")),
	}

	return []Step{
		{
			Name: "configure",
			Command: execx.Command{
				Name: "./configure",
				Args: []string{"--prefix", opts.Prefix},
				Dir:  opts.SourceDir,
				Env:  pkgConfig,
			},
		},
		{
			Name: "compile",
			Command: execx.Command{
				Name: "make",
				Args: []string{"-j", strconv.Itoa(jobs)},
				Dir:  opts.SourceDir,
			},
		},
		{
			Name: "install",
			Command: execx.Command{
				Name: "make",
				Args: []string{"install"},
				Dir:  opts.SourceDir,
			},
		},
		{
			Name: "binding",
			Command: execx.Command{
				Name: python,
				Args: []string{"-m", "pip", "install", ".", "--target", opts.StagingLibDir},
				Dir:  filepath.Join(opts.SourceDir, "swig", "python"),
				Env:  pkgConfig,
			},
		},
	}
}

// Builder runs the native build steps.
type Builder struct {
	runner execx.Runner
	logger logging.Logger
}

// NewBuilder creates a builder running tools through r.
func NewBuilder(r execx.Runner, logger logging.Logger) *Builder {
	return &Builder{runner: r, logger: logging.OrNop(logger)}
}

// Build runs every step in order and stops at the first failure. The
// returned error wraps the *execx.ProcessError of the failing tool.
func (b *Builder) Build(ctx context.Context, opts Options) error {
	if opts.SourceDir == "" || opts.Prefix == "" || opts.StagingLibDir == "" {
		return fmt.Errorf("native build: source dir, prefix and staging dir are required")
	}
	if err := os.MkdirAll(opts.StagingLibDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	for _, step := range Steps(opts) {
		b.logger.Info("native build step", "step", step.Name, "cmd", step.Command.String())
		out, err := b.runner.Run(ctx, step.Command)
		if err != nil {
			b.logger.Error("native build step failed", "step", step.Name)
			return fmt.Errorf("%s: %w", step.Name, err)
		}
		b.logger.Debug("native build step finished", "step", step.Name, "output_bytes", len(out))
	}
	return nil
}
