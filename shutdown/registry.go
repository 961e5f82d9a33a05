package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"refgen_worker/core"
)

// Stage orders cleanup steps. Steps of a lower stage finish before the next
// stage starts; within a stage, registration order is kept.
type Stage int

const (
	// StageStopIntake closes listeners so no new requests arrive.
	StageStopIntake Stage = 10
	// StageDrain finishes queued jobs.
	StageDrain Stage = 20
	// StageRelease closes stores and client connections.
	StageRelease Stage = 30
	// StageFlush flushes logs. Runs last.
	StageFlush Stage = 40
)

func (s Stage) String() string {
	switch s {
	case StageStopIntake:
		return "stop-intake"
	case StageDrain:
		return "drain"
	case StageRelease:
		return "release"
	case StageFlush:
		return "flush"
	default:
		return fmt.Sprintf("stage-%d", int(s))
	}
}

type step struct {
	name  string
	stage Stage
	fn    core.ShutdownFunc
}

// Registry holds cleanup steps and runs them once.
type Registry struct {
	mu    sync.Mutex
	steps []step
	ran   bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a step. Registration after Run is ignored.
func (r *Registry) Register(name string, stage Stage, fn core.ShutdownFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ran {
		return
	}
	r.steps = append(r.steps, step{name: name, stage: stage, fn: fn})
}

// Run executes every step in stage order, even when earlier ones fail, and
// returns the failures wrapped with their step names. Later calls return nil.
func (r *Registry) Run(ctx context.Context) []error {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return nil
	}
	r.ran = true
	steps := r.ordered()
	r.mu.Unlock()

	var errs []error
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s (%s): %w", s.name, s.stage, err))
		}
	}
	return errs
}

// Names returns step names in execution order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps := r.ordered()
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.name
	}
	return names
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.steps)
}

// ordered must be called with r.mu held.
func (r *Registry) ordered() []step {
	out := make([]step, len(r.steps))
	copy(out, r.steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].stage < out[j].stage })
	return out
}
