package archive

import (
	"archive/tar"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// maxLinkHops matches the kernel's limit on nested symlink resolution.
const maxLinkHops = 40

var (
	errEscapes  = errors.New("escapes root")
	errLinkLoop = errors.New("too many levels of symbolic links")
)

// linkSet tracks the symlinks declared so far in an archive so that later
// members are resolved the way the filesystem will resolve them once the
// earlier links exist on disk. Keys are root-relative member paths with
// their parents already resolved; values are the raw link text.
type linkSet struct {
	links map[string]string
}

func newLinkSet() *linkSet {
	return &linkSet{links: make(map[string]string)}
}

// add checks hdr against the links seen so far and records it if it is a
// symlink itself.
func (s *linkSet) add(hdr *tar.Header) error {
	name := cleanName(hdr.Name)
	if name == "." {
		return nil
	}

	parent, err := s.resolve("", filepath.Dir(name))
	if err != nil {
		return s.securityError(hdr, "parent directory", err)
	}
	member := filepath.Join(parent, filepath.Base(name))

	switch hdr.Typeflag {
	case tar.TypeSymlink:
		if _, err := s.resolve(parent, filepath.FromSlash(hdr.Linkname)); err != nil {
			return s.securityError(hdr, "symlink target "+hdr.Linkname, err)
		}
		s.links[member] = filepath.FromSlash(hdr.Linkname)
	case tar.TypeLink:
		if _, err := s.resolve("", cleanName(hdr.Linkname)); err != nil {
			return s.securityError(hdr, "hardlink target "+hdr.Linkname, err)
		}
		delete(s.links, member)
	case tar.TypeReg:
		// the writer replaces an existing link with the file
		delete(s.links, member)
	}
	return nil
}

// resolve walks rel starting at the root-relative directory start,
// substituting every known link it crosses. It fails as soon as the walk
// would leave the root.
func (s *linkSet) resolve(start, rel string) (string, error) {
	cur := start
	queue := splitPath(rel)
	hops := 0
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]

		switch c {
		case "", ".":
			continue
		case "..":
			if cur == "" {
				return "", errEscapes
			}
			cur = parentOf(cur)
			continue
		}

		next := filepath.Join(cur, c)
		target, ok := s.links[next]
		if !ok {
			cur = next
			continue
		}
		hops++
		if hops > maxLinkHops {
			return "", errLinkLoop
		}
		if isAbs(target) {
			return "", errEscapes
		}
		// the link text is relative to the directory holding the link
		queue = append(splitPath(target), queue...)
	}
	return cur, nil
}

func (s *linkSet) securityError(hdr *tar.Header, what string, err error) error {
	return &SecurityError{Member: hdr.Name, Reason: what + " " + err.Error() + " through symlinks"}
}

func splitPath(p string) []string {
	return strings.Split(p, string(os.PathSeparator))
}

func parentOf(p string) string {
	d := filepath.Dir(p)
	if d == "." {
		return ""
	}
	return d
}
