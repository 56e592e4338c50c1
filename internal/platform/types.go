// Package platform detects the host the bundle is built on and exposes it
// to the Lua build configuration.
//
// Only Linux and macOS hosts can produce a bundle. Detection itself never
// fails on other systems so that configuration can still be inspected, but
// Supported reports ErrUnsupportedPlatform before any build work starts.
package platform

import (
	"context"
	"errors"
	"fmt"
)

// OS identifies a host operating system.
type OS string

// Known operating systems.
const (
	Linux   OS = "linux"
	Darwin  OS = "darwin"
	Windows OS = "windows"
)

// ErrUnsupportedPlatform is returned for hosts other than Linux and macOS.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Linux distribution family constants.
const (
	FamilyDebian  = "debian"  // Debian, Ubuntu, Linux Mint
	FamilyRHEL    = "rhel"    // RHEL, CentOS, Rocky Linux, AlmaLinux
	FamilyFedora  = "fedora"  // Fedora
	FamilySUSE    = "suse"    // openSUSE, SLES
	FamilyArch    = "arch"    // Arch Linux, Manjaro
	FamilyAlpine  = "alpine"  // Alpine Linux
	FamilyGentoo  = "gentoo"  // Gentoo
	FamilyUnknown = "unknown" // Unrecognized distributions
)

// Info contains platform detection information.
type Info struct {
	OS       OS     // "linux", "darwin", ...
	Arch     string // "amd64", "arm64" (normalized when known)
	ArchRaw  string // original GOARCH
	DistroID string // distro ID (Linux only, e.g., "ubuntu")
	Family   string // canonical family (e.g., "debian")
	Version  string // distro version (Linux only, e.g., "22.04")
	CPUs     int    // logical CPU count, at least 1
}

// Supported returns ErrUnsupportedPlatform unless os is Linux or macOS.
func Supported(os OS) error {
	switch os {
	case Linux, Darwin:
		return nil
	default:
		return fmt.Errorf("%w: %q (supported: linux, darwin)", ErrUnsupportedPlatform, os)
	}
}

// IsLinux returns true if the platform is Linux.
func (i *Info) IsLinux() bool {
	return i.OS == Linux
}

// IsMacOS returns true if the platform is macOS.
func (i *Info) IsMacOS() bool {
	return i.OS == Darwin
}

// IsAppleSilicon returns true if running on Apple Silicon (macOS + arm64).
func (i *Info) IsAppleSilicon() bool {
	return i.OS == Darwin && i.Arch == "arm64"
}

// HasDistro reports whether Linux distribution details were detected.
func (i *Info) HasDistro() bool {
	return i.OS == Linux && i.DistroID != ""
}

// Jobs returns the parallel job count for the native build: the logical
// CPU count bounded by max.
func (i *Info) Jobs(max int) int {
	n := i.CPUs
	if n < 1 {
		n = 1
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}

// Detector is the interface for platform detection.
type Detector interface {
	Detect(ctx context.Context) (*Info, error)
}

// Static is a Detector returning a fixed Info.
type Static struct {
	Info Info
}

// Detect returns a copy of the configured Info.
func (s Static) Detect(ctx context.Context) (*Info, error) {
	info := s.Info
	return &info, nil
}
