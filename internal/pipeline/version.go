package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedVersion is returned for a Jellyfish release jfbundle does
// not know how to build.
var ErrUnsupportedVersion = errors.New("unsupported jellyfish version")

// Version is a supported Jellyfish release.
type Version string

const (
	V2_2_10 Version = "2.2.10"
	V2_3_0  Version = "2.3.0"

	DefaultVersion = V2_3_0
)

// Versions lists the supported releases, oldest first.
var Versions = []Version{V2_2_10, V2_3_0}

// ParseVersion validates s. The empty string selects DefaultVersion.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return DefaultVersion, nil
	}
	for _, v := range Versions {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q (accepted: %s)", ErrUnsupportedVersion, s, versionList())
}

func versionList() string {
	names := make([]string, len(Versions))
	for i, v := range Versions {
		names[i] = string(v)
	}
	return strings.Join(names, ", ")
}
