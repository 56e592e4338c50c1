// Package source makes the Jellyfish release tarball available locally.
//
// A tarball already present at the configured path is used as is.
// Otherwise it is downloaded from the GitHub release page. When a checksum
// or a signature with keyring is configured, the archive is verified before
// anything is extracted from it.
package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/iric-soft/jfbundle/internal/logging"
)

// ReleaseBaseURL is the Jellyfish project on GitHub.
const ReleaseBaseURL = "https://github.com/gmarcais/Jellyfish"

// ReleaseURL returns the download URL of the release tarball for version.
func ReleaseURL(version string) string {
	return fmt.Sprintf("%s/releases/download/v%s/%s", ReleaseBaseURL, version, ArchiveName(version))
}

// ArchiveName returns the release tarball file name for version.
func ArchiveName(version string) string {
	return "jellyfish-" + version + ".tar.gz"
}

// Spec describes where the source archive lives and how to check it.
type Spec struct {
	Archive string // local path, downloaded to when missing
	URL     string
	SHA256  string
	// Signature is a local path or an http(s) URL of a detached signature.
	Signature string
	Keyring   string
}

// Fetcher ensures the source archive exists and is trusted.
type Fetcher struct {
	downloader *Downloader
	verifier   *Verifier
	logger     logging.Logger
}

// NewFetcher creates a fetcher with default download settings.
func NewFetcher(logger logging.Logger) *Fetcher {
	return &Fetcher{
		downloader: NewDownloader(),
		verifier:   NewVerifier(),
		logger:     logging.OrNop(logger),
	}
}

// Ensure returns the path of a verified source archive.
func (f *Fetcher) Ensure(ctx context.Context, spec Spec) (string, error) {
	if spec.Archive == "" {
		return "", fmt.Errorf("source archive path is required")
	}

	if fileExists(spec.Archive) {
		f.logger.Debug("using local source archive", "path", spec.Archive)
	} else {
		if spec.URL == "" {
			return "", fmt.Errorf("source archive %s not found and no download URL configured", spec.Archive)
		}
		f.logger.Info("downloading source archive", "url", spec.URL, "dest", spec.Archive)
		if err := f.downloader.DownloadToFile(ctx, spec.URL, spec.Archive); err != nil {
			return "", fmt.Errorf("download source archive: %w", err)
		}
	}

	if spec.SHA256 != "" {
		if err := f.verifier.VerifySHA256(spec.Archive, spec.SHA256); err != nil {
			return "", err
		}
		f.logger.Debug("source checksum verified", "path", spec.Archive)
	}

	if spec.Signature != "" && spec.Keyring == "" {
		return "", fmt.Errorf("signature configured without a keyring")
	}
	if spec.Keyring != "" {
		if spec.Signature == "" {
			return "", fmt.Errorf("keyring configured without a signature")
		}
		sigPath := spec.Signature
		if IsURL(sigPath) {
			sigPath = spec.Archive + ".asc"
			if !fileExists(sigPath) {
				if err := f.downloader.DownloadToFile(ctx, spec.Signature, sigPath); err != nil {
					return "", fmt.Errorf("download signature: %w", err)
				}
			}
		}
		if err := f.verifier.VerifySignature(spec.Archive, sigPath, spec.Keyring); err != nil {
			return "", err
		}
		f.logger.Debug("source signature verified", "path", spec.Archive)
	}

	return spec.Archive, nil
}

// IsURL reports whether s is fetched over HTTP rather than read from disk.
func IsURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}
