package schedule

import (
	"sync"

	"github.com/iric-soft/jfbundle/internal/logging"
)

// Registry holds steps by name and memoizes the scheduler wrapping each
// primary step.
type Registry struct {
	mu       sync.Mutex
	steps    map[string]Step
	wrappers map[string]*Scheduler
	logger   logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		steps:    make(map[string]Step),
		wrappers: make(map[string]*Scheduler),
		logger:   logging.OrNop(logger),
	}
}

// Register adds or replaces a step.
func (r *Registry) Register(step Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step.Name()] = step
}

// Lookup returns the step registered under name.
func (r *Registry) Lookup(name string) (Step, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.steps[name]
	return s, ok
}

// Wrap returns the scheduler for primary, creating and registering it on
// first use. Later calls with the same name return the same scheduler and
// ignore their arguments.
func (r *Registry) Wrap(primary Step, prereqs ...Prerequisite) *Scheduler {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.wrappers[primary.Name()]; ok {
		return s
	}
	s := New(primary, prereqs, r.Lookup, r.logger)
	r.wrappers[primary.Name()] = s
	r.steps[primary.Name()] = s
	return s
}
