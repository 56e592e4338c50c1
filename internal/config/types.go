// Package config parses the jfbundle.lua build configuration.
//
// Configuration is plain Lua evaluated in a sandbox with a read-only
// platform table, so a single file can describe builds for several hosts:
//
//	jellyfish = {
//	  version = "2.3.0",
//	  jobs = platform.when(platform.is_macos, 4),
//	  source = {
//	    sha256 = "...",
//	  },
//	}
//
// Every field is optional. Unset fields keep their zero value and are filled
// in by the build request defaults or command line flags.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Config is the decoded jellyfish table.
type Config struct {
	Version    string
	BuildDir   string
	Prefix     string
	PackageDir string
	Python     string
	Jobs       int
	Force      bool
	Source     Source
}

// Source locates and authenticates the release tarball.
type Source struct {
	Archive   string
	URL       string
	SHA256    string
	Signature string
	Keyring   string
}

// Validate checks values that can be rejected without knowing the host.
func (c *Config) Validate() error {
	if c.Jobs < 0 {
		return fmt.Errorf("jobs must not be negative, got %d", c.Jobs)
	}

	for field, value := range map[string]string{
		"build_dir":        c.BuildDir,
		"prefix":           c.Prefix,
		"package_dir":      c.PackageDir,
		"source.archive":   c.Source.Archive,
		"source.signature": c.Source.Signature,
		"source.keyring":   c.Source.Keyring,
	} {
		if strings.ContainsRune(value, 0) {
			return fmt.Errorf("%s contains a NUL byte", field)
		}
	}

	if c.Source.SHA256 != "" {
		b, err := hex.DecodeString(c.Source.SHA256)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("source.sha256 must be 64 hex characters")
		}
	}

	if c.Source.Signature != "" && c.Source.Keyring == "" {
		return fmt.Errorf("source.signature requires source.keyring")
	}

	return nil
}
