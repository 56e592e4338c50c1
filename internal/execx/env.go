package execx

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// MergeEnv returns base with every KEY=VALUE in overlay applied. Later
// entries win; the order of first appearance is kept.
func MergeEnv(base, overlay []string) []string {
	out := make([]string, 0, len(base)+len(overlay))
	index := make(map[string]int, len(base)+len(overlay))

	for _, list := range [][]string{base, overlay} {
		for _, kv := range list {
			key, _, _ := strings.Cut(kv, "=")
			if i, ok := index[key]; ok {
				out[i] = kv
				continue
			}
			index[key] = len(out)
			out = append(out, kv)
		}
	}
	return out
}

// PrependList returns a KEY=VALUE entry where dirs precede the current value
// of key. An empty current value adds no trailing separator.
func PrependList(getenv func(string) string, key string, dirs ...string) string {
	return key + "=" + JoinList(getenv(key), dirs...)
}

// JoinList places dirs ahead of the existing list value.
func JoinList(existing string, dirs ...string) string {
	parts := make([]string, 0, len(dirs)+1)
	for _, d := range dirs {
		if d != "" {
			parts = append(parts, d)
		}
	}
	if existing != "" {
		parts = append(parts, existing)
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

// ErrNotFound is returned by LookPathIn when no executable matches.
var ErrNotFound = errors.New("executable not found")

// LookPathIn searches the given PATH-style list for an executable file
// named file, without consulting the process PATH.
func LookPathIn(file, pathList string) (string, error) {
	if strings.Contains(file, string(filepath.Separator)) {
		if isExecutable(file) {
			return file, nil
		}
		return "", &fs.PathError{Op: "lookpath", Path: file, Err: ErrNotFound}
	}

	for _, dir := range filepath.SplitList(pathList) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, file)
		if isExecutable(candidate) {
			abs, err := filepath.Abs(candidate)
			if err != nil {
				return candidate, nil
			}
			return abs, nil
		}
	}
	return "", &fs.PathError{Op: "lookpath", Path: file, Err: ErrNotFound}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir() && info.Mode().Perm()&0o111 != 0
}
