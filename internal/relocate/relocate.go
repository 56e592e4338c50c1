// Package relocate makes the installed extension load the bundled
// Jellyfish library from a directory next to itself.
//
// On Linux the library is copied into .libs and the extension's RPATH is
// set to $ORIGIN/.libs. On macOS it is copied into .dylibs and the
// extension's load command is rewritten to @loader_path/.dylibs/<name>.
package relocate

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/iric-soft/jfbundle/internal/deps"
	"github.com/iric-soft/jfbundle/internal/execx"
	"github.com/iric-soft/jfbundle/internal/fsutil"
	"github.com/iric-soft/jfbundle/internal/logging"
	"github.com/iric-soft/jfbundle/internal/platform"
)

// Hidden library directories, relative to the extension binary.
const (
	LinuxLibDir  = ".libs"
	DarwinLibDir = ".dylibs"
)

// Plan is the full description of one relocation. It is computed without
// touching the filesystem.
type Plan struct {
	Platform      platform.OS `yaml:"platform"`
	Binary        string      `yaml:"binary"`
	LibrarySource string      `yaml:"library_source"`
	LibDirName    string      `yaml:"lib_dir"`
	LibraryName   string      `yaml:"library"`
	OldReference  string      `yaml:"old_reference,omitempty"`
	NewReference  string      `yaml:"new_reference"`
}

// NewPlan derives the relocation of binary's dependency on target.
// Relative or @-prefixed references are looked up in libDir.
func NewPlan(target platform.OS, binary string, dep *deps.LinkedDependency, libDir string) (*Plan, error) {
	if dep == nil || dep.Basename == "" {
		return nil, fmt.Errorf("relocation plan: dependency is required")
	}

	source := dep.Path
	if !filepath.IsAbs(source) {
		source = filepath.Join(libDir, dep.Basename)
	}

	p := &Plan{
		Platform:      target,
		Binary:        binary,
		LibrarySource: source,
		LibraryName:   dep.Basename,
	}

	switch target {
	case platform.Linux:
		p.LibDirName = LinuxLibDir
		p.NewReference = "$ORIGIN/" + LinuxLibDir
	case platform.Darwin:
		p.LibDirName = DarwinLibDir
		p.OldReference = dep.Path
		p.NewReference = "@loader_path/" + DarwinLibDir + "/" + dep.Basename
	default:
		return nil, platform.Supported(target)
	}
	return p, nil
}

// LibraryDest is where the library copy lives inside the package tree.
func (p *Plan) LibraryDest() string {
	return filepath.Join(filepath.Dir(p.Binary), p.LibDirName, p.LibraryName)
}

// Commands returns the patching invocations for tool, in order.
func (p *Plan) Commands(tool string) []execx.Command {
	switch p.Platform {
	case platform.Linux:
		return []execx.Command{
			{Name: tool, Args: []string{"--set-rpath", p.NewReference, p.Binary}},
		}
	case platform.Darwin:
		return []execx.Command{
			{Name: tool, Args: []string{"-change", p.OldReference, p.NewReference, p.Binary}},
			// cosmetic: keeps otool output of the copy consistent
			{Name: tool, Args: []string{"-id", p.NewReference, p.LibraryDest()}},
		}
	default:
		return nil
	}
}

// Relocator copies the library and patches the extension.
type Relocator struct {
	runner execx.Runner
	logger logging.Logger
}

// NewRelocator creates a relocator running tools through r.
func NewRelocator(r execx.Runner, logger logging.Logger) *Relocator {
	return &Relocator{runner: r, logger: logging.OrNop(logger)}
}

// Apply copies the library, dereferencing symlinks, then runs the patch
// commands with tool, which must be an absolute path or on PATH.
func (r *Relocator) Apply(ctx context.Context, p *Plan, tool string) error {
	if err := platform.Supported(p.Platform); err != nil {
		return err
	}

	dest := p.LibraryDest()
	if err := fsutil.CopyFile(p.LibrarySource, dest); err != nil {
		return fmt.Errorf("bundle %s: %w", p.LibraryName, err)
	}
	r.logger.Debug("library bundled", "source", p.LibrarySource, "dest", dest)

	for _, cmd := range p.Commands(tool) {
		if _, err := r.runner.Run(ctx, cmd); err != nil {
			return fmt.Errorf("patch %s: %w", filepath.Base(p.Binary), err)
		}
	}

	r.logger.Info("extension relocated", "binary", p.Binary, "reference", p.NewReference)
	return nil
}
