package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"refgen_worker/logging"
)

const buildKey = "capability"

// Manager guarantees that at most one Capability is built per process and
// serves generation calls against it.
//
// Manager is safe for concurrent use.
type Manager struct {
	loader   Loader
	opts     Options
	logger   *logging.Logger
	observer Observer

	mu    sync.RWMutex
	ready *Capability
	gen   *semaphore.Weighted // nil when the model supports concurrency

	group  singleflight.Group
	builds atomic.Int64
}

// NewManager creates a Manager. Nothing is loaded until EnsureReady or
// Generate is called.
func NewManager(loader Loader, opts Options, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		loader:   loader,
		opts:     opts,
		logger:   logger.Named("pipeline"),
		observer: nopObserver{},
	}
}

// SetObserver installs an observer. Call before the first EnsureReady.
func (m *Manager) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	m.observer = o
}

// Ready returns the built capability, or nil if construction has not
// succeeded yet.
func (m *Manager) Ready() *Capability {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Builds returns how many construction attempts have started.
func (m *Manager) Builds() int64 {
	return m.builds.Load()
}

// Options returns the manager's configuration.
func (m *Manager) Options() Options {
	return m.opts
}

// EnsureReady builds the capability on first use and returns it. Concurrent
// callers share one in-flight construction. A failed construction is not
// cached: the next call starts over.
//
// Construction is detached from ctx cancellation; a caller whose ctx ends
// stops waiting but the build runs to completion for the others.
func (m *Manager) EnsureReady(ctx context.Context) (*Capability, error) {
	if c := m.Ready(); c != nil {
		return c, nil
	}

	ch := m.group.DoChan(buildKey, func() (interface{}, error) {
		if c := m.Ready(); c != nil {
			return c, nil
		}
		c, gen, err := m.build(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.ready = c
		m.gen = gen
		m.mu.Unlock()
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Capability), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) build(ctx context.Context) (*Capability, *semaphore.Weighted, error) {
	attempt := m.builds.Add(1)
	start := time.Now()
	log := m.logger.With(
		zap.String("backend", m.loader.Name()),
		zap.String("model_id", m.opts.ModelID),
		zap.String("device", string(m.opts.Device)),
		zap.Int64("attempt", attempt),
	)
	log.Info("Loading base model")

	model, err := loadBase(ctx, m.loader, m.opts.ModelID, m.opts.Device)
	if err != nil {
		err = fmt.Errorf("%w: %s on %s: %w", ErrBaseLoadFailed, m.opts.ModelID, m.opts.Device, err)
		log.Error("Base model load failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		m.observer.BuildFinished(time.Since(start), err)
		return nil, nil, err
	}

	c := &Capability{
		Backend: m.loader.Name(),
		ModelID: m.opts.ModelID,
		Device:  m.opts.Device,
		model:   model,
	}

	for _, s := range m.optionalStages() {
		outcome := runStage(ctx, model, s, c)
		c.Outcomes = append(c.Outcomes, outcome)
		m.observer.FeatureRecorded(outcome)

		fields := []zap.Field{
			zap.String("feature", outcome.Feature),
			zap.Bool("attempted", outcome.Attempted),
			zap.String("detail", outcome.Detail),
		}
		switch {
		case outcome.Degraded():
			log.Warn("Optional feature unavailable, continuing without it", fields...)
		case outcome.Succeeded:
			log.Info("Optional feature enabled", fields...)
		default:
			log.Debug("Optional feature skipped", fields...)
		}
	}

	var gen *semaphore.Weighted
	if !model.SupportsConcurrency() {
		gen = semaphore.NewWeighted(1)
	}

	c.ReadyAt = time.Now()
	m.observer.BuildFinished(time.Since(start), nil)
	log.Info("Pipeline ready",
		zap.Bool("adapter", c.AdapterEnabled),
		zap.Bool("lcm", c.ScheduleEnabled),
		zap.Bool("efficient_attention", c.AttentionOptimized),
		zap.Bool("serialized", gen != nil),
		zap.Duration("elapsed", time.Since(start)),
	)
	return c, gen, nil
}

// Generate produces one image. It validates params, ensures the capability
// is ready, then invokes the model. Every failure wraps ErrGenerationFailed
// together with its cause (ErrInvalidParams, ErrInvalidPrompt,
// ErrBaseLoadFailed or the model's error). Nothing is retried.
func (m *Manager) Generate(ctx context.Context, p GenerateParams) (*Result, error) {
	if err := ValidateParams(p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	c, err := m.EnsureReady(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	inv := newInvocation(p)

	m.mu.RLock()
	gen := m.gen
	m.mu.RUnlock()
	if gen != nil {
		if err := gen.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("%w: waiting for model: %w", ErrGenerationFailed, err)
		}
		defer gen.Release(1)
	}

	start := time.Now()
	img, err := safeGenerate(ctx, c.model, inv)
	elapsed := time.Since(start)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	m.observer.GenerateFinished(elapsed, err)
	if err != nil {
		m.logger.Error("Generation failed",
			zap.Error(err),
			zap.Int64("seed", inv.Seed),
			zap.Int("references", inv.Conditioning.Len()),
		)
		return nil, err
	}

	m.logger.Debug("Generation complete",
		zap.Int64("seed", inv.Seed),
		zap.Bool("seeded", inv.Seeded),
		zap.Int("references", inv.Conditioning.Len()),
		zap.Duration("elapsed", elapsed),
	)
	return &Result{Image: img, Seed: inv.Seed, Elapsed: elapsed}, nil
}

func newInvocation(p GenerateParams) Invocation {
	inv := Invocation{
		Prompt:         SanitizePrompt(p.Prompt),
		NegativePrompt: NegativePrompt,
		Conditioning:   NewConditioning(p.References),
		Steps:          p.Steps,
		Guidance:       p.Guidance,
		Width:          p.Width,
		Height:         p.Height,
	}
	if p.Seed != nil {
		inv.Seed = *p.Seed
		inv.Seeded = true
	} else {
		inv.Seed = RandomSeed()
	}
	inv.Rand = NewRand(inv.Seed)
	return inv
}
