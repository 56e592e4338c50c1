// Package pipeline turns a Jellyfish release into a relocatable Python
// package tree.
//
// The work is split into two scheduled steps. "native" fetches, extracts
// and compiles Jellyfish and only runs when no completed native build for
// the requested version and platform is recorded in the build directory.
// "bundle" installs the extension, resolves its library dependency,
// relocates it and writes the bundle manifest. Relocation is itself
// scheduled behind "patch-tool", which provisions patchelf on Linux when
// it cannot be found.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"

	"github.com/iric-soft/jfbundle/internal/archive"
	"github.com/iric-soft/jfbundle/internal/deps"
	"github.com/iric-soft/jfbundle/internal/execx"
	"github.com/iric-soft/jfbundle/internal/extension"
	"github.com/iric-soft/jfbundle/internal/logging"
	"github.com/iric-soft/jfbundle/internal/manifest"
	"github.com/iric-soft/jfbundle/internal/nativebuild"
	"github.com/iric-soft/jfbundle/internal/relocate"
	"github.com/iric-soft/jfbundle/internal/schedule"
	"github.com/iric-soft/jfbundle/internal/source"
	"github.com/iric-soft/jfbundle/internal/toolchain"
	"github.com/iric-soft/jfbundle/internal/transaction"
)

// Scheduled step names.
const (
	StepNative   = "native"
	StepBundle   = "bundle"
	StepTool     = "patch-tool"
	StepRelocate = "relocate"
)

// Options configures a Pipeline.
type Options struct {
	Runner execx.Runner
	Logger logging.Logger
	// Getenv reads the inherited environment; os.Getenv when nil.
	Getenv func(string) string
	// Now stamps the manifest; time.Now when nil.
	Now func() time.Time
}

// Pipeline runs one build request.
type Pipeline struct {
	req    *Request
	logger logging.Logger
	now    func() time.Time

	fetcher   *source.Fetcher
	extractor *archive.Extractor
	builder   *nativebuild.Builder
	installer *extension.Installer
	deps      *deps.Resolver
	tools     *toolchain.Resolver
	relocator *relocate.Relocator
	getenv    func(string) string

	registry *schedule.Registry
	bundle   *schedule.Scheduler
	relocate *schedule.Scheduler

	txn      *transaction.BuildTxn
	artifact *extension.Artifact
	dep      *deps.LinkedDependency
	plan     *relocate.Plan
	tool     string
}

// New wires a pipeline for req.
func New(req *Request, opts Options) *Pipeline {
	logger := logging.OrNop(opts.Logger)
	if opts.Runner == nil {
		opts.Runner = execx.NewOSRunner(logger)
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pipeline{
		req:       req,
		logger:    logger,
		now:       opts.Now,
		getenv:    opts.Getenv,
		fetcher:   source.NewFetcher(logger),
		extractor: archive.NewExtractor(logger),
		builder:   nativebuild.NewBuilder(opts.Runner, logger),
		installer: extension.NewInstaller(logger),
		deps:      deps.NewResolver(opts.Runner, logger).WithEnv(opts.Getenv),
		tools: toolchain.NewResolver(opts.Runner, toolchain.Options{
			ToolDir: req.ToolDir,
			Python:  req.Python,
			Getenv:  opts.Getenv,
		}, logger),
		relocator: relocate.NewRelocator(opts.Runner, logger),
		registry:  schedule.NewRegistry(logger),
	}

	p.registry.Register(schedule.Func(StepNative, p.runNative))
	p.registry.Register(schedule.Func(StepTool, p.runPatchTool))

	p.relocate = p.registry.Wrap(schedule.Func(StepRelocate, p.runRelocate),
		schedule.Prerequisite{Name: StepTool, Needed: p.toolNeeded},
	)
	p.bundle = p.registry.Wrap(schedule.Func(StepBundle, p.runBundle),
		schedule.Prerequisite{Name: StepNative, Needed: p.nativeNeeded},
	)
	return p
}

// Request returns the request the pipeline was built for.
func (p *Pipeline) Request() *Request {
	return p.req
}

// Run builds the bundle, holding the build directory lock throughout.
func (p *Pipeline) Run(ctx context.Context) error {
	lock, err := transaction.AcquireLock(ctx, p.req.BuildDir)
	if err != nil {
		return &StageError{Stage: StageLock, Err: err}
	}
	defer lock.Release()

	p.loadState()
	if m, current, err := p.Installed(); err == nil {
		p.logger.Info("replacing installed bundle", "build_id", m.BuildID, "version", m.Version, "current", current)
	}
	p.logger.Info("building jellyfish bundle",
		"version", p.req.Version,
		"platform", p.req.Platform,
		"build_id", p.txn.ID,
		"package_dir", p.req.PackageDir,
	)

	if err := p.bundle.Run(ctx); err != nil {
		return err
	}

	p.logger.Info("bundle ready", "package_dir", p.req.PackageDir, "library", p.plan.LibraryName)
	return nil
}

// Installed reads the manifest of the bundle already in the package
// directory. current reports whether it is a complete bundle of the
// requested version and platform. A missing manifest satisfies
// errors.Is(err, os.ErrNotExist).
func (p *Pipeline) Installed() (m *manifest.Manifest, current bool, err error) {
	m, err = manifest.Read(p.req.PackageDir)
	if err != nil {
		return nil, false, err
	}
	current = m.Matches(string(p.req.Version), string(p.req.Platform)) && m.Complete(p.req.PackageDir)
	return m, current, nil
}

// PatchTool makes sure the binary patching tool is available and returns
// its path.
func (p *Pipeline) PatchTool(ctx context.Context) (string, error) {
	tool, err := p.tools.Ensure(ctx, p.req.Platform)
	if err != nil {
		return "", &StageError{Stage: StagePatchTool, Err: err}
	}
	return tool, nil
}

// PlannedStage is one stage of the expanded schedule.
type PlannedStage struct {
	Stage string
	Step  string
	Run   bool
}

// Plan expands the schedule against the current build state without
// running anything.
func (p *Pipeline) Plan() []PlannedStage {
	p.loadState()
	native := contains(p.bundle.Expand(), StepNative)
	tool := contains(p.relocate.Expand(), StepTool)

	return []PlannedStage{
		{Stage: StageFetch, Step: StepNative, Run: native},
		{Stage: StageExtract, Step: StepNative, Run: native},
		{Stage: StageNative, Step: StepNative, Run: native},
		{Stage: StageInstall, Step: StepBundle, Run: true},
		{Stage: StageResolve, Step: StepBundle, Run: true},
		{Stage: StagePatchTool, Step: StepTool, Run: tool},
		{Stage: StageRelocate, Step: StepRelocate, Run: true},
		{Stage: StageManifest, Step: StepBundle, Run: true},
	}
}

// Graph returns the expanded schedule of both schedulers. Relocation runs
// inside the bundle step, so it is drawn as feeding it.
func (p *Pipeline) Graph() (graph.Graph[string, string], error) {
	p.Plan()
	g, err := p.bundle.Graph()
	if err != nil {
		return nil, err
	}
	if err := p.relocate.AddTo(g); err != nil {
		return nil, err
	}
	if err := g.AddEdge(StepRelocate, StepBundle); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
		return nil, fmt.Errorf("add edge %s -> %s: %w", StepRelocate, StepBundle, err)
	}
	return g, nil
}

// WriteDOT renders the expanded schedule as a Graphviz graph.
func (p *Pipeline) WriteDOT(w io.Writer) error {
	g, err := p.Graph()
	if err != nil {
		return err
	}
	return draw.DOT(g, w)
}

func (p *Pipeline) loadState() {
	txn, err := transaction.LoadOrNew(p.req.BuildDir, string(p.req.Version), string(p.req.Platform), Stages)
	if err != nil {
		p.logger.Warn("discarding unreadable build state", "dir", p.req.BuildDir, "error", err)
	}
	p.txn = txn
}

func (p *Pipeline) nativeNeeded() bool {
	if p.req.Force {
		return true
	}
	if p.txn == nil || !p.txn.Completed(StageNative) {
		return true
	}
	_, err := extension.Discover(p.req.StagingLibDir, p.req.Platform)
	return err != nil
}

func (p *Pipeline) toolNeeded() bool {
	return p.tools.Needed(p.req.Platform)
}

// stage records the outcome of fn in the build state and attributes its
// error to name.
func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: name, Err: err}
	}

	p.logger.Debug("stage started", "stage", name)
	p.txn.UpdateStage(name, transaction.StateInProgress, nil)
	p.saveState()

	if err := fn(ctx); err != nil {
		p.txn.UpdateStage(name, transaction.StateFailed, err)
		p.saveState()
		p.logger.Error("stage failed", "stage", name, "error", err)
		return &StageError{Stage: name, Err: err}
	}

	p.txn.UpdateStage(name, transaction.StateCompleted, nil)
	p.saveState()
	p.logger.Debug("stage finished", "stage", name)
	return nil
}

func (p *Pipeline) saveState() {
	if err := p.txn.Save(p.req.BuildDir); err != nil {
		p.logger.Warn("could not record build state", "error", err)
	}
}

func (p *Pipeline) runNative(ctx context.Context) error {
	// a rebuilt tree invalidates everything downstream
	p.txn.Reset(StageNative, StageInstall, StageResolve, StageRelocate, StageManifest)

	if err := p.stage(ctx, StageFetch, p.fetch); err != nil {
		return err
	}
	if err := p.stage(ctx, StageExtract, p.extract); err != nil {
		return err
	}
	return p.stage(ctx, StageNative, p.build)
}

func (p *Pipeline) fetch(ctx context.Context) error {
	_, err := p.fetcher.Ensure(ctx, p.req.sourceSpec())
	return err
}

func (p *Pipeline) extract(ctx context.Context) error {
	// an unsafe archive must leave the previous tree alone
	if err := p.extractor.Validate(p.req.SourceArchive); err != nil {
		return err
	}
	if err := os.RemoveAll(p.req.SourceDir); err != nil {
		return fmt.Errorf("clear source directory: %w", err)
	}
	if err := p.extractor.Extract(p.req.SourceArchive, p.req.SourceDir); err != nil {
		return err
	}
	if _, err := os.Stat(p.req.SourceTree()); err != nil {
		return fmt.Errorf("extracted archive has no %s directory: %w", "jellyfish-"+p.req.Version, err)
	}
	return nil
}

func (p *Pipeline) build(ctx context.Context) error {
	if err := os.RemoveAll(p.req.StagingLibDir); err != nil {
		return fmt.Errorf("clear staging directory: %w", err)
	}
	return p.builder.Build(ctx, nativebuild.Options{
		SourceDir:     p.req.SourceTree(),
		Prefix:        p.req.InstallPrefix,
		StagingLibDir: p.req.StagingLibDir,
		Jobs:          p.req.Jobs,
		Python:        p.req.Python,
		Getenv:        p.getenv,
	})
}

func (p *Pipeline) runBundle(ctx context.Context) error {
	err := p.stage(ctx, StageInstall, func(context.Context) error {
		art, err := p.installer.Install(p.req.StagingLibDir, p.req.PackageDir, p.req.Platform)
		if err != nil {
			return err
		}
		p.artifact = art
		return nil
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, StageResolve, func(ctx context.Context) error {
		dep, err := p.deps.Resolve(ctx, p.artifact.BinaryPath, p.req.Platform, p.req.LibDir())
		if err != nil {
			return err
		}
		p.dep = dep
		return nil
	})
	if err != nil {
		return err
	}

	if err := p.relocate.Run(ctx); err != nil {
		return err
	}

	return p.stage(ctx, StageManifest, p.writeManifest)
}

func (p *Pipeline) runPatchTool(ctx context.Context) error {
	return p.stage(ctx, StagePatchTool, func(ctx context.Context) error {
		tool, err := p.tools.Install(ctx, p.req.Platform)
		if err != nil {
			return err
		}
		p.tool = tool
		return nil
	})
}

func (p *Pipeline) runRelocate(ctx context.Context) error {
	return p.stage(ctx, StageRelocate, func(ctx context.Context) error {
		if p.tool == "" {
			tool, err := p.tools.Lookup(p.req.Platform)
			if err != nil {
				return err
			}
			p.tool = tool
		}

		plan, err := relocate.NewPlan(p.req.Platform, p.artifact.BinaryPath, p.dep, p.req.LibDir())
		if err != nil {
			return err
		}
		if err := p.relocator.Apply(ctx, plan, p.tool); err != nil {
			return err
		}
		p.plan = plan
		return nil
	})
}

func (p *Pipeline) writeManifest(context.Context) error {
	m, err := manifest.New(p.req.PackageDir, string(p.req.Version), p.txn.ID, p.artifact.CompanionPath, p.plan, p.now())
	if err != nil {
		return err
	}
	return manifest.Write(p.req.PackageDir, m)
}

func contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}
