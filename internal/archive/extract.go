// Package archive unpacks source tarballs into a staging tree.
//
// Extraction runs in two passes over the archive. The first pass validates
// every member name and link target, following the symlinks declared
// earlier in the archive, and writes nothing. The second pass writes
// members, resolving each parent directory inside the destination with
// securejoin so links created earlier cannot redirect later writes, and
// checks every new symlink on disk.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/ulikunitz/xz"

	"github.com/iric-soft/jfbundle/internal/logging"
)

var (
	// ErrUnsafePath is wrapped by every SecurityError.
	ErrUnsafePath = errors.New("archive member escapes extraction root")

	// ErrUnsupportedFormat is returned for archives without a known suffix.
	ErrUnsupportedFormat = errors.New("unsupported archive format")
)

// SecurityError identifies the archive member that failed validation.
type SecurityError struct {
	Member string
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("unsafe archive member %q: %s", e.Member, e.Reason)
}

func (e *SecurityError) Unwrap() error {
	return ErrUnsafePath
}

// Extractor handles archive extraction.
type Extractor struct {
	logger logging.Logger
}

// NewExtractor creates a new extractor.
func NewExtractor(logger logging.Logger) *Extractor {
	return &Extractor{logger: logging.OrNop(logger)}
}

// Extract unpacks archivePath under destRoot. The compression is chosen by
// suffix: .tar.gz/.tgz, .tar.xz/.txz or plain .tar.
//
// A *SecurityError means no file was written and destRoot was not created.
func (e *Extractor) Extract(archivePath, destRoot string) error {
	if _, err := openCompressed(archivePath, nil); err != nil {
		return err
	}

	members, err := e.validate(archivePath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}
	root, err := filepath.Abs(destRoot)
	if err != nil {
		return fmt.Errorf("resolve dest dir: %w", err)
	}

	if err := e.write(archivePath, root); err != nil {
		return err
	}

	e.logger.Debug("archive extracted", "archive", archivePath, "dest", root, "members", members)
	return nil
}

// Validate checks every member of the archive without writing anything.
func (e *Extractor) Validate(archivePath string) error {
	if _, err := openCompressed(archivePath, nil); err != nil {
		return err
	}
	_, err := e.validate(archivePath)
	return err
}

// validate checks every member and returns the member count.
func (e *Extractor) validate(archivePath string) (int, error) {
	count := 0
	links := newLinkSet()
	err := walk(archivePath, func(hdr *tar.Header, _ io.Reader) error {
		count++
		if err := validateMember(hdr); err != nil {
			return err
		}
		return links.add(hdr)
	})
	return count, err
}

func (e *Extractor) write(archivePath, root string) error {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("resolve dest dir: %w", err)
	}
	return walk(archivePath, func(hdr *tar.Header, r io.Reader) error {
		name := cleanName(hdr.Name)
		if name == "." {
			return nil
		}

		parent, err := securejoin.SecureJoin(root, filepath.Dir(name))
		if err != nil {
			return fmt.Errorf("resolve parent of %s: %w", hdr.Name, err)
		}
		target := filepath.Join(parent, filepath.Base(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(hdr)); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return fmt.Errorf("create parent dir for %s: %w", target, err)
			}
			if err := removeExisting(target); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return fmt.Errorf("create file %s: %w", target, err)
			}
			if _, err := io.Copy(out, r); err != nil {
				out.Close()
				return fmt.Errorf("write file %s: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close file %s: %w", target, err)
			}

		case tar.TypeSymlink:
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return fmt.Errorf("create parent dir for %s: %w", target, err)
			}
			if err := removeExisting(target); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("create symlink %s: %w", target, err)
			}
			if err := checkWrittenLink(realRoot, parent, target, hdr); err != nil {
				_ = os.Remove(target)
				return err
			}

		case tar.TypeLink:
			source, err := securejoin.SecureJoin(root, cleanName(hdr.Linkname))
			if err != nil {
				return fmt.Errorf("resolve hardlink source %s: %w", hdr.Linkname, err)
			}
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return fmt.Errorf("create parent dir for %s: %w", target, err)
			}
			if err := removeExisting(target); err != nil {
				return err
			}
			if err := os.Link(source, target); err != nil {
				return fmt.Errorf("create hardlink %s: %w", target, err)
			}

		default:
			// devices, fifos and PAX metadata are not part of a source tree
		}
		return nil
	})
}

// validateMember rejects names and link targets that resolve outside the
// extraction root.
func validateMember(hdr *tar.Header) error {
	if hdr.Name == "" {
		return &SecurityError{Member: hdr.Name, Reason: "empty name"}
	}
	if isAbs(hdr.Name) {
		return &SecurityError{Member: hdr.Name, Reason: "absolute path"}
	}
	name := cleanName(hdr.Name)
	if !filepath.IsLocal(name) {
		return &SecurityError{Member: hdr.Name, Reason: "path traversal"}
	}

	switch hdr.Typeflag {
	case tar.TypeSymlink:
		if isAbs(hdr.Linkname) {
			return &SecurityError{Member: hdr.Name, Reason: "absolute symlink target " + hdr.Linkname}
		}
		resolved := filepath.Join(filepath.Dir(name), filepath.FromSlash(hdr.Linkname))
		if !filepath.IsLocal(resolved) {
			return &SecurityError{Member: hdr.Name, Reason: "symlink target escapes root: " + hdr.Linkname}
		}
	case tar.TypeLink:
		if isAbs(hdr.Linkname) || !filepath.IsLocal(cleanName(hdr.Linkname)) {
			return &SecurityError{Member: hdr.Name, Reason: "hardlink target escapes root: " + hdr.Linkname}
		}
	}
	return nil
}

// checkWrittenLink verifies on disk that the symlink just created at target
// resolves inside realRoot. Dangling targets are checked lexically against
// their resolved parent directory.
func checkWrittenLink(realRoot, parent, target string, hdr *tar.Header) error {
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		dir, derr := filepath.EvalSymlinks(parent)
		if derr != nil {
			return fmt.Errorf("resolve parent of %s: %w", hdr.Name, derr)
		}
		resolved = filepath.Join(dir, filepath.FromSlash(hdr.Linkname))
	}
	if !within(realRoot, resolved) {
		return &SecurityError{Member: hdr.Name, Reason: "symlink resolves outside root: " + hdr.Linkname}
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && (rel == "." || filepath.IsLocal(rel))
}

func cleanName(name string) string {
	return filepath.Clean(filepath.FromSlash(name))
}

func isAbs(name string) bool {
	return strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) || filepath.IsAbs(name) || filepath.VolumeName(name) != ""
}

func dirMode(hdr *tar.Header) os.FileMode {
	mode := hdr.FileInfo().Mode().Perm()
	if mode == 0 {
		return 0o755
	}
	// keep directories traversable for the build
	return mode | 0o700
}

func removeExisting(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// walk calls fn for every member of the archive.
func walk(archivePath string, fn func(hdr *tar.Header, r io.Reader) error) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	rd, err := openCompressed(archivePath, f)
	if err != nil {
		return err
	}
	if c, ok := rd.(io.Closer); ok {
		defer c.Close()
	}

	tr := tar.NewReader(rd)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		// with GODEBUG=tarinsecurepath=0 the header still comes back and
		// validateMember reports it as a SecurityError
		if err != nil && !(errors.Is(err, tar.ErrInsecurePath) && hdr != nil) {
			return fmt.Errorf("read tar header: %w", err)
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

// openCompressed wraps f in the decompressor matching the archive suffix.
// With a nil f it only checks that the suffix is supported.
func openCompressed(archivePath string, f io.Reader) (io.Reader, error) {
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		if f == nil {
			return nil, nil
		}
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		return gz, nil
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		if f == nil {
			return nil, nil
		}
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("create xz reader: %w", err)
		}
		return xr, nil
	case strings.HasSuffix(lower, ".tar"):
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(archivePath))
	}
}
