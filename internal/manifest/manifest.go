// Package manifest records what a bundle contains in a small YAML file at
// the root of the package tree.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"gopkg.in/yaml.v3"

	"github.com/iric-soft/jfbundle/internal/fsutil"
	"github.com/iric-soft/jfbundle/internal/relocate"
)

// FileName is the manifest's name inside the package directory.
const FileName = ".jfbundle.yaml"

// SchemaVersion is bumped on incompatible layout changes.
const SchemaVersion = 1

// Manifest describes one finished bundle. Paths are relative to the
// package directory.
type Manifest struct {
	Schema    int            `yaml:"schema"`
	BuildID   string         `yaml:"build_id,omitempty"`
	Version   string         `yaml:"version"`
	Platform  string         `yaml:"platform"`
	Extension string         `yaml:"extension"`
	Companion string         `yaml:"companion"`
	Library   string         `yaml:"library"`
	Reference string         `yaml:"reference"`
	Original  string         `yaml:"original_reference,omitempty"`
	BuiltAt   time.Time      `yaml:"built_at"`
	Plan      *relocate.Plan `yaml:"relocation,omitempty"`
}

// Path returns the manifest location in packageDir.
func Path(packageDir string) string {
	return filepath.Join(packageDir, FileName)
}

// New builds the manifest of a relocated bundle rooted at packageDir.
func New(packageDir, version, buildID string, companion string, plan *relocate.Plan, builtAt time.Time) (*Manifest, error) {
	if plan == nil {
		return nil, fmt.Errorf("manifest: relocation plan is required")
	}

	rel := func(p string) (string, error) {
		r, err := filepath.Rel(packageDir, p)
		if err != nil {
			return "", fmt.Errorf("manifest: %s is outside %s: %w", p, packageDir, err)
		}
		return filepath.ToSlash(r), nil
	}

	ext, err := rel(plan.Binary)
	if err != nil {
		return nil, err
	}
	comp, err := rel(companion)
	if err != nil {
		return nil, err
	}
	lib, err := rel(plan.LibraryDest())
	if err != nil {
		return nil, err
	}

	return &Manifest{
		Schema:    SchemaVersion,
		BuildID:   buildID,
		Version:   version,
		Platform:  string(plan.Platform),
		Extension: ext,
		Companion: comp,
		Library:   lib,
		Reference: plan.NewReference,
		Original:  plan.OldReference,
		BuiltAt:   builtAt.UTC(),
		Plan:      plan,
	}, nil
}

// Write stores m in packageDir, replacing any previous manifest atomically.
func Write(packageDir string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.MkdirAll(packageDir, 0o755); err != nil {
		return fmt.Errorf("create package directory: %w", err)
	}
	if err := renameio.WriteFile(Path(packageDir), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Read loads the manifest from packageDir.
func Read(packageDir string) (*Manifest, error) {
	data, err := os.ReadFile(Path(packageDir))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", Path(packageDir), err)
	}
	if m.Schema != SchemaVersion {
		return nil, fmt.Errorf("manifest %s: unsupported schema %d", Path(packageDir), m.Schema)
	}
	return &m, nil
}

// Complete reports whether every file the manifest lists is present.
func (m *Manifest) Complete(packageDir string) bool {
	for _, rel := range []string{m.Extension, m.Companion, m.Library} {
		if rel == "" || !fsutil.Exists(filepath.Join(packageDir, filepath.FromSlash(rel))) {
			return false
		}
	}
	return true
}

// Matches reports whether the manifest describes a bundle of version for
// target.
func (m *Manifest) Matches(version, target string) bool {
	return m.Version == version && m.Platform == target
}
