package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iric-soft/jfbundle/internal/platform"
)

const testSHA = "d8f2e4a7a6b3c1d0e9f8a7b6c5d4e3f2a1b0c9d8e7f6a5b4c3d2e1f0a9b8c7d6"

func linuxParser() *Parser {
	return NewParser(platform.Static{Info: platform.Info{OS: platform.Linux, Arch: "amd64", CPUs: 4}})
}

func macParser() *Parser {
	return NewParser(platform.Static{Info: platform.Info{OS: platform.Darwin, Arch: "arm64", CPUs: 10}})
}

func TestParseString(t *testing.T) {
	tests := []struct {
		name    string
		parser  *Parser
		code    string
		want    Config
		wantErr bool
	}{
		{
			name:   "empty config",
			parser: linuxParser(),
			code:   ``,
			want:   Config{},
		},
		{
			name:   "all fields",
			parser: linuxParser(),
			code: `
				jellyfish = {
					version = "2.2.10",
					build_dir = "build_jf",
					prefix = "/opt/jf",
					package_dir = "dna_jellyfish_bundle",
					python = "python3.11",
					jobs = 4,
					force = true,
					source = {
						archive = "vendor/jellyfish-2.2.10.tar.gz",
						url = "https://mirror.example.org/jellyfish-2.2.10.tar.gz",
						sha256 = "` + testSHA + `",
						signature = "vendor/jellyfish-2.2.10.tar.gz.asc",
						keyring = "keys/gmarcais.gpg",
					},
				}
			`,
			want: Config{
				Version:    "2.2.10",
				BuildDir:   "build_jf",
				Prefix:     "/opt/jf",
				PackageDir: "dna_jellyfish_bundle",
				Python:     "python3.11",
				Jobs:       4,
				Force:      true,
				Source: Source{
					Archive:   "vendor/jellyfish-2.2.10.tar.gz",
					URL:       "https://mirror.example.org/jellyfish-2.2.10.tar.gz",
					SHA256:    testSHA,
					Signature: "vendor/jellyfish-2.2.10.tar.gz.asc",
					Keyring:   "keys/gmarcais.gpg",
				},
			},
		},
		{
			name:   "platform conditional on linux",
			parser: linuxParser(),
			code: `
				jellyfish = {
					jobs = platform.when(platform.is_macos, 2),
					python = platform.is_linux and "python3" or "python3.12",
				}
			`,
			want: Config{Python: "python3"},
		},
		{
			name:   "platform conditional on macos",
			parser: macParser(),
			code: `
				jellyfish = {
					jobs = platform.when(platform.is_macos, 2),
					python = platform.is_linux and "python3" or "python3.12",
				}
			`,
			want: Config{Jobs: 2, Python: "python3.12"},
		},
		{
			name:   "jobs from cpu count",
			parser: macParser(),
			code:   `jellyfish = { jobs = math.min(8, platform.cpus) }`,
			want:   Config{Jobs: 8},
		},
		{
			name:    "syntax error",
			parser:  linuxParser(),
			code:    `jellyfish = {`,
			wantErr: true,
		},
		{
			name:    "jellyfish not a table",
			parser:  linuxParser(),
			code:    `jellyfish = "2.3.0"`,
			wantErr: true,
		},
		{
			name:    "numeric version",
			parser:  linuxParser(),
			code:    `jellyfish = { version = 2.3 }`,
			wantErr: true,
		},
		{
			name:    "fractional jobs",
			parser:  linuxParser(),
			code:    `jellyfish = { jobs = 2.5 }`,
			wantErr: true,
		},
		{
			name:    "negative jobs",
			parser:  linuxParser(),
			code:    `jellyfish = { jobs = -1 }`,
			wantErr: true,
		},
		{
			name:    "bad checksum",
			parser:  linuxParser(),
			code:    `jellyfish = { source = { sha256 = "abc" } }`,
			wantErr: true,
		},
		{
			name:    "signature without keyring",
			parser:  linuxParser(),
			code:    `jellyfish = { source = { signature = "a.asc" } }`,
			wantErr: true,
		},
		{
			name:    "source not a table",
			parser:  linuxParser(),
			code:    `jellyfish = { source = "x" }`,
			wantErr: true,
		},
		{
			name:    "sandbox violation",
			parser:  linuxParser(),
			code:    `jellyfish = { prefix = os.getenv("HOME") }`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.parser.ParseString(context.Background(), tt.code)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseString() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var pe *ParseError
				if !errors.As(err, &pe) {
					t.Errorf("expected *ParseError, got %T", err)
				}
				return
			}
			if *got != tt.want {
				t.Errorf("ParseString() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestParseString_WithoutDetector(t *testing.T) {
	cfg, err := NewParser(nil).ParseString(context.Background(), `jellyfish = { version = "2.3.0" }`)
	if err != nil {
		t.Fatalf("ParseString() failed: %v", err)
	}
	if cfg.Version != "2.3.0" {
		t.Errorf("Version = %q, want 2.3.0", cfg.Version)
	}

	_, err = NewParser(nil).ParseString(context.Background(), `x = platform.os`)
	if err == nil {
		t.Error("expected error when platform table is absent")
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jfbundle.lua")
	if err := os.WriteFile(path, []byte(`jellyfish = { package_dir = "out" }`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := linuxParser().ParseFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ParseFile() failed: %v", err)
	}
	if cfg.PackageDir != "out" {
		t.Errorf("PackageDir = %q, want out", cfg.PackageDir)
	}

	_, err = linuxParser().ParseFile(context.Background(), filepath.Join(t.TempDir(), "missing.lua"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestFormatError(t *testing.T) {
	err := &ParseError{
		Message: "Lua error",
		Detail:  "<string>:1: unexpected EOF\nstack traceback:\n\t[G]: ?",
	}

	short := FormatError(err, false)
	if strings.Contains(short, "stack traceback") {
		t.Errorf("non-verbose output should drop the traceback: %q", short)
	}
	if !strings.Contains(short, "unexpected EOF") {
		t.Errorf("non-verbose output should keep the message: %q", short)
	}

	long := FormatError(err, true)
	if !strings.Contains(long, "stack traceback") {
		t.Errorf("verbose output should keep the traceback: %q", long)
	}

	plain := errors.New("plain")
	if FormatError(plain, false) != "plain" {
		t.Error("non-ParseError should be returned as is")
	}
}
