package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ulikunitz/xz"
)

type entry struct {
	name     string
	content  string
	typeflag byte
	linkname string
	mode     int64
}

func file(name, content string) entry {
	return entry{name: name, content: content, typeflag: tar.TypeReg, mode: 0o644}
}

// createTestArchive writes entries into a tar archive compressed according
// to the suffix of name.
func createTestArchive(t *testing.T, name string, entries []entry) string {
	t.Helper()

	archivePath := filepath.Join(t.TempDir(), name)
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatalf("failed to create archive: %v", err)
	}
	defer func() { _ = f.Close() }()

	var w io.WriteCloser
	switch filepath.Ext(name) {
	case ".gz":
		w = gzip.NewWriter(f)
	case ".xz":
		xw, err := xz.NewWriter(f)
		if err != nil {
			t.Fatalf("failed to create xz writer: %v", err)
		}
		w = xw
	default:
		t.Fatalf("unsupported test archive %s", name)
	}

	tw := tar.NewWriter(w)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0o755
		}
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     mode,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
		}
		if e.typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.content))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("failed to write header for %s: %v", e.name, err)
		}
		if e.typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.content)); err != nil {
				t.Fatalf("failed to write content for %s: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close tar writer: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close compressor: %v", err)
	}
	return archivePath
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		archive string
		entries []entry
		want    map[string]string
	}{
		{
			name:    "gzip source tree",
			archive: "jellyfish-2.3.0.tar.gz",
			entries: []entry{
				{name: "jellyfish-2.3.0/", typeflag: tar.TypeDir},
				{name: "jellyfish-2.3.0/configure", content: "#!/bin/sh\n", typeflag: tar.TypeReg, mode: 0o755},
				file("jellyfish-2.3.0/swig/python/setup.py", "setup()"),
			},
			want: map[string]string{
				"jellyfish-2.3.0/configure":            "#!/bin/sh\n",
				"jellyfish-2.3.0/swig/python/setup.py": "setup()",
			},
		},
		{
			name:    "xz archive",
			archive: "jellyfish-2.2.10.tar.xz",
			entries: []entry{
				file("jellyfish-2.2.10/README", "readme"),
			},
			want: map[string]string{"jellyfish-2.2.10/README": "readme"},
		},
		{
			name:    "internal links",
			archive: "links.tar.gz",
			entries: []entry{
				file("pkg/lib/libjellyfish-2.0.so.2.0.0", "elf"),
				{name: "pkg/lib/libjellyfish-2.0.so", typeflag: tar.TypeSymlink, linkname: "libjellyfish-2.0.so.2.0.0"},
				{name: "pkg/lib/hard.so", typeflag: tar.TypeLink, linkname: "pkg/lib/libjellyfish-2.0.so.2.0.0"},
			},
			want: map[string]string{
				"pkg/lib/libjellyfish-2.0.so": "elf",
				"pkg/lib/hard.so":             "elf",
			},
		},
		{
			name:    "link chain staying inside root",
			archive: "chain.tar.gz",
			entries: []entry{
				{name: "a/", typeflag: tar.TypeDir},
				{name: "a/up", typeflag: tar.TypeSymlink, linkname: ".."},
				file("a/up/top.txt", "top"),
			},
			want: map[string]string{"top.txt": "top"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archivePath := createTestArchive(t, tt.archive, tt.entries)
			dest := filepath.Join(t.TempDir(), "src")

			if err := NewExtractor(nil).Extract(archivePath, dest); err != nil {
				t.Fatalf("extraction failed: %v", err)
			}

			for name, want := range tt.want {
				got, err := os.ReadFile(filepath.Join(dest, name))
				if err != nil {
					t.Errorf("failed to read extracted file %s: %v", name, err)
					continue
				}
				if string(got) != want {
					t.Errorf("content mismatch for %s:\ngot:  %q\nwant: %q", name, got, want)
				}
			}
		})
	}
}

func TestExtract_PreservesMode(t *testing.T) {
	archivePath := createTestArchive(t, "modes.tar.gz", []entry{
		{name: "jf/configure", content: "#!/bin/sh\n", typeflag: tar.TypeReg, mode: 0o755},
		file("jf/Makefile.in", "all:"),
	})
	dest := t.TempDir()

	if err := NewExtractor(nil).Extract(archivePath, dest); err != nil {
		t.Fatalf("extraction failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dest, "jf/configure"))
	if err != nil {
		t.Fatalf("stat configure: %v", err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Errorf("configure mode = %v, want executable", info.Mode())
	}
}

func TestExtract_RejectsUnsafeMembers(t *testing.T) {
	tests := []struct {
		name    string
		entries []entry
	}{
		{
			name:    "parent traversal",
			entries: []entry{file("ok.txt", "fine"), file("../evil.txt", "pwned")},
		},
		{
			name:    "nested traversal",
			entries: []entry{file("jf/../../evil.txt", "pwned")},
		},
		{
			name:    "absolute path",
			entries: []entry{file("/tmp/evil.txt", "pwned")},
		},
		{
			name: "symlink escaping root",
			entries: []entry{
				{name: "jf/escape", typeflag: tar.TypeSymlink, linkname: "../../outside"},
			},
		},
		{
			name: "absolute symlink",
			entries: []entry{
				{name: "jf/etc", typeflag: tar.TypeSymlink, linkname: "/etc"},
			},
		},
		{
			name: "symlink then write through it",
			entries: []entry{
				{name: "link", typeflag: tar.TypeSymlink, linkname: ".."},
				file("link/evil.txt", "pwned"),
			},
		},
		{
			name: "chained symlinks escaping root",
			entries: []entry{
				{name: "a/", typeflag: tar.TypeDir},
				{name: "a/up", typeflag: tar.TypeSymlink, linkname: ".."},
				{name: "a/up/esc", typeflag: tar.TypeSymlink, linkname: ".."},
			},
		},
		{
			name: "symlink loop",
			entries: []entry{
				{name: "x", typeflag: tar.TypeSymlink, linkname: "y"},
				{name: "y", typeflag: tar.TypeSymlink, linkname: "x"},
				file("x/evil.txt", "pwned"),
			},
		},
		{
			name: "hardlink escaping root",
			entries: []entry{
				{name: "jf/passwd", typeflag: tar.TypeLink, linkname: "../../etc/passwd"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archivePath := createTestArchive(t, "evil.tar.gz", tt.entries)
			parent := t.TempDir()
			dest := filepath.Join(parent, "src")

			err := NewExtractor(nil).Extract(archivePath, dest)
			if err == nil {
				t.Fatal("expected security error but got none")
			}
			if !errors.Is(err, ErrUnsafePath) {
				t.Errorf("expected ErrUnsafePath, got %v", err)
			}
			var se *SecurityError
			if !errors.As(err, &se) {
				t.Errorf("expected *SecurityError, got %T", err)
			}

			if _, err := os.Stat(dest); !os.IsNotExist(err) {
				t.Error("destination should not be created when validation fails")
			}
			leftovers, _ := os.ReadDir(parent)
			if len(leftovers) != 0 {
				t.Errorf("expected nothing written next to destination, found %d entries", len(leftovers))
			}
		})
	}
}

func TestExtract_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("unsupported suffix", func(t *testing.T) {
		p := filepath.Join(dir, "source.zip")
		if err := os.WriteFile(p, []byte("PK"), 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
		err := NewExtractor(nil).Extract(p, filepath.Join(dir, "out"))
		if !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("expected ErrUnsupportedFormat, got %v", err)
		}
	})

	t.Run("missing archive", func(t *testing.T) {
		err := NewExtractor(nil).Extract(filepath.Join(dir, "missing.tar.gz"), filepath.Join(dir, "out"))
		if err == nil {
			t.Error("expected error for missing archive")
		}
	})

	t.Run("corrupt gzip", func(t *testing.T) {
		p := filepath.Join(dir, "corrupt.tar.gz")
		if err := os.WriteFile(p, []byte("not gzip"), 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
		if err := NewExtractor(nil).Extract(p, filepath.Join(dir, "out")); err == nil {
			t.Error("expected error for corrupt archive")
		}
	})
}

func TestValidate(t *testing.T) {
	e := NewExtractor(nil)

	good := createTestArchive(t, "good.tar.gz", []entry{file("jellyfish-2.3.0/configure", "#!/bin/sh\n")})
	if err := e.Validate(good); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	bad := createTestArchive(t, "bad.tar.gz", []entry{file("../escape", "x")})
	err := e.Validate(bad)
	if !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath, got %v", err)
	}

	if err := e.Validate(filepath.Join(t.TempDir(), "src.zip")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestCheckWrittenLink(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "lib"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	tests := []struct {
		name     string
		linkname string
		wantErr  bool
	}{
		{name: "sibling", linkname: "../lib", wantErr: false},
		{name: "dangling inside", linkname: "missing.so", wantErr: false},
		{name: "outside", linkname: "../..", wantErr: true},
		{name: "dangling outside", linkname: "../../missing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent := filepath.Join(root, "lib")
			target := filepath.Join(parent, tt.name)
			if err := os.Symlink(tt.linkname, target); err != nil {
				t.Fatalf("symlink: %v", err)
			}
			hdr := &tar.Header{Name: "lib/" + tt.name, Typeflag: tar.TypeSymlink, Linkname: tt.linkname}

			err := checkWrittenLink(root, parent, target, hdr)
			if tt.wantErr && !errors.Is(err, ErrUnsafePath) {
				t.Errorf("expected ErrUnsafePath, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
