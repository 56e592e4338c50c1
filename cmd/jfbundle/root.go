package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/iric-soft/jfbundle/internal/config"
	"github.com/iric-soft/jfbundle/internal/execx"
	"github.com/iric-soft/jfbundle/internal/fsutil"
	"github.com/iric-soft/jfbundle/internal/logging"
	"github.com/iric-soft/jfbundle/internal/pipeline"
	"github.com/iric-soft/jfbundle/internal/platform"
)

// DefaultConfigFile is read from the working directory when present.
const DefaultConfigFile = "jfbundle.lua"

// env holds the process-level dependencies of the commands.
type env struct {
	stdout   io.Writer
	stderr   io.Writer // receives tool output with --verbose
	detector platform.Detector
	runner   execx.Runner // nil selects the OS runner
	getenv   func(string) string
	logger   logging.Logger // nil builds a zap logger from --verbose
}

func defaultEnv() *env {
	return &env{
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		detector: platform.NewDetector(),
		getenv:   os.Getenv,
	}
}

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	verbose    bool

	version    string
	buildDir   string
	prefix     string
	packageDir string
	python     string
	jobs       int
	force      bool

	archive   string
	url       string
	sha256    string
	signature string
	keyring   string
}

func newRootCmd(e *env) *cobra.Command {
	f := &globalFlags{}

	root := &cobra.Command{
		Use:   "jfbundle",
		Short: "Build Jellyfish and bundle its Python binding",
		Long: `jfbundle builds the Jellyfish k-mer counter from a release tarball,
installs its dna_jellyfish Python binding and produces a relocatable
package tree that carries its own copy of libjellyfish.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", DefaultConfigFile, "Lua build configuration")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&f.version, "jellyfish-version", "", "Jellyfish release to build (2.2.10, 2.3.0; default 2.3.0)")
	pf.StringVar(&f.buildDir, "build-dir", "", "scratch directory for the native build (default build_jf)")
	pf.StringVar(&f.prefix, "prefix", "", "install prefix for Jellyfish (default <build-dir>/prefix)")
	pf.StringVar(&f.packageDir, "package-dir", "", "package tree receiving the extension (default dna_jellyfish_bundle)")
	pf.StringVar(&f.python, "python", "", "Python interpreter running pip (default python3)")
	pf.IntVarP(&f.jobs, "jobs", "j", 0, "parallel make jobs, at most 8 (default: logical CPUs)")
	pf.BoolVarP(&f.force, "force", "f", false, "rebuild Jellyfish even when a native build is recorded")
	pf.StringVar(&f.archive, "archive", "", "local release tarball (downloaded when missing)")
	pf.StringVar(&f.url, "url", "", "release tarball URL")
	pf.StringVar(&f.sha256, "sha256", "", "expected SHA256 of the release tarball")
	pf.StringVar(&f.signature, "signature", "", "detached OpenPGP signature, path or URL")
	pf.StringVar(&f.keyring, "keyring", "", "OpenPGP keyring used to check --signature")

	root.AddCommand(
		newBuildCmd(e, f),
		newPatchToolCmd(e, f),
		newPlanCmd(e, f),
		newVersionCmd(e),
	)
	return root
}

// setup turns configuration and flags into a ready pipeline. The returned
// function flushes the logger.
func (e *env) setup(cmd *cobra.Command, f *globalFlags) (*pipeline.Pipeline, func(), error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger, sync := e.logger, func() {}
	if logger == nil {
		l, s, err := logging.New(f.verbose)
		if err != nil {
			return nil, nil, fmt.Errorf("create logger: %w", err)
		}
		logger, sync = l, s
	}

	info, err := e.detector.Detect(ctx)
	if err != nil {
		sync()
		return nil, nil, fmt.Errorf("detect platform: %w", err)
	}
	logger.Debug("platform detected", "os", info.OS, "arch", info.Arch, "distro", info.DistroID, "cpus", info.CPUs)

	cfg, err := e.loadConfig(ctx, cmd, f)
	if err != nil {
		sync()
		return nil, nil, err
	}
	applyFlags(cmd, f, cfg)

	req, err := pipeline.NewRequest(cfg, info)
	if err != nil {
		sync()
		return nil, nil, err
	}

	p := pipeline.New(req, pipeline.Options{
		Runner: e.newRunner(f, logger),
		Logger: logger,
		Getenv: e.getenv,
	})
	return p, sync, nil
}

// newRunner returns the injected runner or an OS runner that streams tool
// output to stderr when --verbose is set.
func (e *env) newRunner(f *globalFlags, logger logging.Logger) execx.Runner {
	if e.runner != nil {
		return e.runner
	}
	r := execx.NewOSRunner(logger)
	if f.verbose && e.stderr != nil {
		r.Echo = e.stderr
	}
	return r
}

// loadConfig parses the configuration file. The default file is optional;
// an explicitly named one must exist.
func (e *env) loadConfig(ctx context.Context, cmd *cobra.Command, f *globalFlags) (*config.Config, error) {
	explicit := cmd.Flags().Changed("config")
	if !explicit && !fsutil.Exists(f.configPath) {
		return &config.Config{}, nil
	}

	cfg, err := config.NewParser(e.detector).ParseFile(ctx, f.configPath)
	if err != nil {
		var parseErr *config.ParseError
		if errors.As(err, &parseErr) {
			return nil, fmt.Errorf("%s: %s", f.configPath, config.FormatError(parseErr, f.verbose))
		}
		return nil, err
	}
	return cfg, nil
}

// applyFlags overrides configuration values with flags set on the command
// line.
func applyFlags(cmd *cobra.Command, f *globalFlags, cfg *config.Config) {
	changed := cmd.Flags().Changed
	set := func(name string, dst *string, value string) {
		if changed(name) {
			*dst = value
		}
	}

	set("jellyfish-version", &cfg.Version, f.version)
	set("build-dir", &cfg.BuildDir, f.buildDir)
	set("prefix", &cfg.Prefix, f.prefix)
	set("package-dir", &cfg.PackageDir, f.packageDir)
	set("python", &cfg.Python, f.python)
	set("archive", &cfg.Source.Archive, f.archive)
	set("url", &cfg.Source.URL, f.url)
	set("sha256", &cfg.Source.SHA256, f.sha256)
	set("signature", &cfg.Source.Signature, f.signature)
	set("keyring", &cfg.Source.Keyring, f.keyring)
	if changed("jobs") {
		cfg.Jobs = f.jobs
	}
	if changed("force") {
		cfg.Force = f.force
	}
}
