package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/iric-soft/jfbundle/internal/config"
	"github.com/iric-soft/jfbundle/internal/nativebuild"
	"github.com/iric-soft/jfbundle/internal/platform"
	"github.com/iric-soft/jfbundle/internal/source"
)

// Defaults for paths left unset by the configuration.
const (
	DefaultBuildDir   = "build_jf"
	DefaultPackageDir = "dna_jellyfish_bundle"
	DefaultPython     = "python3"
)

// Verify holds the optional source authentication settings.
type Verify struct {
	SHA256    string
	Signature string
	Keyring   string
}

// Request is one fully resolved build. All paths are absolute.
type Request struct {
	Version  Version
	Platform platform.OS

	SourceArchive string
	SourceURL     string
	BuildDir      string
	SourceDir     string
	InstallPrefix string
	StagingLibDir string
	ToolDir       string
	PackageDir    string

	Jobs   int
	Python string
	Force  bool
	Verify Verify
}

// NewRequest validates cfg for the host described by info and fills in
// defaults. It performs no filesystem access beyond resolving the working
// directory.
func NewRequest(cfg *config.Config, info *platform.Info) (*Request, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if info == nil {
		return nil, fmt.Errorf("platform information is required")
	}

	version, err := ParseVersion(cfg.Version)
	if err != nil {
		return nil, err
	}
	if err := platform.Supported(info.OS); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	buildDir, err := absOr(cfg.BuildDir, DefaultBuildDir)
	if err != nil {
		return nil, err
	}
	prefix, err := absOr(cfg.Prefix, filepath.Join(buildDir, "prefix"))
	if err != nil {
		return nil, err
	}
	packageDir, err := absOr(cfg.PackageDir, DefaultPackageDir)
	if err != nil {
		return nil, err
	}
	archive, err := absOr(cfg.Source.Archive, filepath.Join(buildDir, source.ArchiveName(string(version))))
	if err != nil {
		return nil, err
	}

	url := cfg.Source.URL
	if url == "" {
		url = source.ReleaseURL(string(version))
	}

	jobs := info.Jobs(nativebuild.MaxJobs)
	if cfg.Jobs > 0 {
		jobs = min(cfg.Jobs, nativebuild.MaxJobs)
	}

	python := cfg.Python
	if python == "" {
		python = DefaultPython
	}

	keyring := cfg.Source.Keyring
	if keyring != "" {
		if keyring, err = filepath.Abs(keyring); err != nil {
			return nil, fmt.Errorf("resolve keyring path: %w", err)
		}
	}
	signature := cfg.Source.Signature
	if signature != "" && !source.IsURL(signature) {
		if signature, err = filepath.Abs(signature); err != nil {
			return nil, fmt.Errorf("resolve signature path: %w", err)
		}
	}

	return &Request{
		Version:       version,
		Platform:      info.OS,
		SourceArchive: archive,
		SourceURL:     url,
		BuildDir:      buildDir,
		SourceDir:     filepath.Join(buildDir, "src"),
		InstallPrefix: prefix,
		StagingLibDir: filepath.Join(buildDir, "lib"),
		ToolDir:       filepath.Join(buildDir, "tools"),
		PackageDir:    packageDir,
		Jobs:          jobs,
		Python:        python,
		Force:         cfg.Force,
		Verify: Verify{
			SHA256:    cfg.Source.SHA256,
			Signature: signature,
			Keyring:   keyring,
		},
	}, nil
}

// SourceTree is the top-level directory of the extracted release.
func (r *Request) SourceTree() string {
	return filepath.Join(r.SourceDir, "jellyfish-"+string(r.Version))
}

// LibDir is where make install places libjellyfish.
func (r *Request) LibDir() string {
	return filepath.Join(r.InstallPrefix, "lib")
}

func (r *Request) sourceSpec() source.Spec {
	return source.Spec{
		Archive:   r.SourceArchive,
		URL:       r.SourceURL,
		SHA256:    r.Verify.SHA256,
		Signature: r.Verify.Signature,
		Keyring:   r.Verify.Keyring,
	}
}

func absOr(value, fallback string) (string, error) {
	if value == "" {
		value = fallback
	}
	p, err := filepath.Abs(value)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", value, err)
	}
	return p, nil
}
