// Package testutil isolates tests from the build environment of the host.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// Env is an isolated set of directories standing in for the user's home,
// Python user base and PATH entries.
type Env struct {
	Root     string
	Home     string
	UserBase string
	Bin      string
}

// SetupTestEnv points every variable jfbundle reads at temp directories so
// tests never see the host's Python, pkg-config or patchelf setup:
// - HOME and PYTHONUSERBASE
// - VIRTUAL_ENV, PKG_CONFIG_PATH and LD_LIBRARY_PATH (cleared)
//
// PATH keeps the host entries after Bin so a shell is still available.
// Directories are removed by t.TempDir.
func SetupTestEnv(t *testing.T) *Env {
	t.Helper()

	tmpDir := t.TempDir()
	e := &Env{
		Root:     tmpDir,
		Home:     filepath.Join(tmpDir, "home"),
		UserBase: filepath.Join(tmpDir, "userbase"),
		Bin:      filepath.Join(tmpDir, "bin"),
	}

	for _, dir := range []string{e.Home, e.UserBase, e.Bin} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("failed to create test directory %s: %v", dir, err)
		}
	}

	t.Setenv("HOME", e.Home)
	t.Setenv("PYTHONUSERBASE", e.UserBase)
	t.Setenv("VIRTUAL_ENV", "")
	t.Setenv("PKG_CONFIG_PATH", "")
	t.Setenv("LD_LIBRARY_PATH", "")
	t.Setenv("PATH", e.Bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	t.Setenv("JFBUNDLE_TEST_MODE", "1")

	return e
}

// FakeTool installs an executable shell script named name in e.Bin and
// returns its path.
func (e *Env) FakeTool(t *testing.T, name, script string) string {
	t.Helper()

	p := filepath.Join(e.Bin, name)
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write fake tool %s: %v", name, err)
	}
	return p
}
