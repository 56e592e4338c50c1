// Package schedule runs a primary build step behind a declared list of
// optional prerequisite steps.
//
// A Scheduler evaluates each prerequisite's predicate and schedules the
// ones that are needed ahead of its primary step. Scheduled steps run in
// declared order, each exactly once per Run, and the first failure halts
// the run before the primary step.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"

	"github.com/iric-soft/jfbundle/internal/logging"
)

// ErrUnknownStep is returned when a scheduled prerequisite has no
// registered step.
var ErrUnknownStep = errors.New("unknown step")

// Step is a named unit of work.
type Step interface {
	Name() string
	Run(ctx context.Context) error
}

type funcStep struct {
	name string
	fn   func(context.Context) error
}

func (s funcStep) Name() string                  { return s.name }
func (s funcStep) Run(ctx context.Context) error { return s.fn(ctx) }

// Func adapts fn into a Step.
func Func(name string, fn func(context.Context) error) Step {
	return funcStep{name: name, fn: fn}
}

// Predicate decides whether a prerequisite must run. It must not have side
// effects.
type Predicate func() bool

// Always is a Predicate that is always true.
func Always() bool { return true }

// Prerequisite names a step and when it is needed.
type Prerequisite struct {
	Name   string
	Needed Predicate
}

// Scheduler wraps a primary step with its prerequisites. It is itself a
// Step, so schedulers nest.
type Scheduler struct {
	primary  Step
	declared []Prerequisite
	lookup   func(name string) (Step, bool)
	logger   logging.Logger

	mu     sync.Mutex
	active []string
}

// New creates a scheduler. lookup resolves prerequisite names to steps.
func New(primary Step, prereqs []Prerequisite, lookup func(string) (Step, bool), logger logging.Logger) *Scheduler {
	return &Scheduler{
		primary:  primary,
		declared: append([]Prerequisite(nil), prereqs...),
		lookup:   lookup,
		logger:   logging.OrNop(logger),
	}
}

// Name returns the primary step's name.
func (s *Scheduler) Name() string {
	return s.primary.Name()
}

// Expand evaluates the predicates and returns the active schedule. A
// prerequisite stays scheduled once added; expanding again never
// duplicates or reorders entries.
func (s *Scheduler) Expand() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	scheduled := make(map[string]bool, len(s.active))
	for _, name := range s.active {
		scheduled[name] = true
	}

	next := make([]string, 0, len(s.declared))
	for _, p := range s.declared {
		if scheduled[p.Name] || (p.Needed != nil && p.Needed()) {
			if !contains(next, p.Name) {
				next = append(next, p.Name)
			}
		}
	}
	s.active = next
	return append([]string(nil), next...)
}

// Scheduled returns the current schedule without evaluating predicates.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.active...)
}

// Declared returns the names of all declared prerequisites in order.
func (s *Scheduler) Declared() []string {
	names := make([]string, len(s.declared))
	for i, p := range s.declared {
		names[i] = p.Name
	}
	return names
}

// Run expands the schedule, runs every scheduled step in order and then
// the primary step. Step errors are returned unchanged.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, name := range s.Expand() {
		if err := ctx.Err(); err != nil {
			return err
		}

		step, ok := s.lookup(name)
		if !ok {
			return fmt.Errorf("%w: %s (prerequisite of %s)", ErrUnknownStep, name, s.Name())
		}

		s.logger.Debug("running prerequisite", "step", name, "for", s.Name())
		if err := step.Run(ctx); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Debug("running step", "step", s.Name())
	return s.primary.Run(ctx)
}

// Graph returns the execution order as a directed graph: a chain through
// the declared prerequisites ending at the primary step. Unscheduled
// prerequisites are kept with a dashed style.
func (s *Scheduler) Graph() (graph.Graph[string, string], error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	if err := s.AddTo(g); err != nil {
		return nil, err
	}
	return g, nil
}

// AddTo adds the scheduler's steps and edges to g. Vertices and edges
// already present are kept.
func (s *Scheduler) AddTo(g graph.Graph[string, string]) error {
	scheduled := s.Scheduled()

	if err := addVertex(g, s.Name()); err != nil {
		return err
	}

	prev := ""
	for _, name := range s.Declared() {
		style := "dashed"
		if contains(scheduled, name) {
			style = "solid"
		}
		if err := addVertex(g, name, graph.VertexAttribute("style", style)); err != nil {
			return err
		}
		if prev != "" {
			if err := addEdge(g, prev, name); err != nil {
				return err
			}
		}
		prev = name

		// nested schedulers contribute their own prerequisites
		if step, ok := s.lookup(name); ok {
			if nested, ok := step.(*Scheduler); ok {
				if err := nested.AddTo(g); err != nil {
					return err
				}
			}
		}
	}
	if prev != "" {
		if err := addEdge(g, prev, s.Name()); err != nil {
			return err
		}
	}
	return nil
}

// WriteDOT renders the scheduler graph in Graphviz DOT format.
func (s *Scheduler) WriteDOT(w io.Writer) error {
	g, err := s.Graph()
	if err != nil {
		return err
	}
	return draw.DOT(g, w)
}

func addVertex(g graph.Graph[string, string], name string, opts ...func(*graph.VertexProperties)) error {
	if err := g.AddVertex(name, opts...); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
		return fmt.Errorf("add vertex %s: %w", name, err)
	}
	return nil
}

func addEdge(g graph.Graph[string, string], from, to string) error {
	if err := g.AddEdge(from, to); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
		return fmt.Errorf("add edge %s -> %s: %w", from, to, err)
	}
	return nil
}

func contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}
