// Package extension locates the compiled dna_jellyfish binding in the
// staging tree and installs it into the package tree.
package extension

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/iric-soft/jfbundle/internal/fsutil"
	"github.com/iric-soft/jfbundle/internal/logging"
	"github.com/iric-soft/jfbundle/internal/match"
	"github.com/iric-soft/jfbundle/internal/platform"
)

// CompanionName is the pure-Python module shipped next to the binary.
const CompanionName = "dna_jellyfish.py"

// Pattern returns the glob matching the extension binary on target.
func Pattern(target platform.OS) (string, error) {
	switch target {
	case platform.Linux:
		return "_dna_jellyfish*.so", nil
	case platform.Darwin:
		return "_dna_jellyfish*darwin.so", nil
	default:
		return "", platform.Supported(target)
	}
}

// Artifact is the extension binary and its companion module.
type Artifact struct {
	BinaryPath    string
	CompanionPath string
}

// Discover finds the single extension binary and the companion module in
// dir. Zero or several binaries yield a *match.AmbiguityError.
func Discover(dir string, target platform.OS) (*Artifact, error) {
	pattern, err := Pattern(target)
	if err != nil {
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", pattern, err)
	}
	sort.Strings(matches)

	binary, err := match.One("extension binary "+pattern, dir, matches)
	if err != nil {
		return nil, err
	}

	companion := filepath.Join(dir, CompanionName)
	if !fsutil.Exists(companion) {
		return nil, fmt.Errorf("companion module %s not found in %s", CompanionName, dir)
	}

	return &Artifact{BinaryPath: binary, CompanionPath: companion}, nil
}

// Installer copies discovered artifacts into the package tree.
type Installer struct {
	logger logging.Logger
}

// NewInstaller creates a new installer.
func NewInstaller(logger logging.Logger) *Installer {
	return &Installer{logger: logging.OrNop(logger)}
}

// Install discovers the artifact in stagingDir and copies it into
// packageDir, returning the installed paths.
func (i *Installer) Install(stagingDir, packageDir string, target platform.OS) (*Artifact, error) {
	art, err := Discover(stagingDir, target)
	if err != nil {
		return nil, err
	}

	installed := &Artifact{
		BinaryPath:    filepath.Join(packageDir, filepath.Base(art.BinaryPath)),
		CompanionPath: filepath.Join(packageDir, CompanionName),
	}
	if err := fsutil.CopyFile(art.BinaryPath, installed.BinaryPath); err != nil {
		return nil, fmt.Errorf("install extension binary: %w", err)
	}
	if err := fsutil.CopyFile(art.CompanionPath, installed.CompanionPath); err != nil {
		return nil, fmt.Errorf("install companion module: %w", err)
	}

	i.logger.Info("extension installed", "binary", installed.BinaryPath, "package_dir", packageDir)
	return installed, nil
}
