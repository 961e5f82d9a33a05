package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"refgen_worker/core"
)

// Manager coordinates a graceful shutdown of the worker:
//
//  1. a signal (or Trigger) cancels Context and closes intake
//  2. Shutdown waits for in-flight requests, bounded by the timeout
//  3. registered steps run in Stage order with the remaining time
//
// Usage:
//
//	m := shutdown.NewManager(logger, shutdown.WithTimeout(cfg.ShutdownTimeout.Duration()))
//	m.Register("http-server", shutdown.StageStopIntake, shutdown.HTTPServer(srv))
//	m.Register("logger", shutdown.StageFlush, shutdown.SyncLogger(logger))
//	m.Start()
//
//	<-m.Context().Done()
//	err := m.Shutdown()
type Manager struct {
	logger    *zap.Logger
	timeout   time.Duration
	forceExit func(code int)

	mu       sync.Mutex
	started  bool
	shutdown bool

	ctx    context.Context
	cancel context.CancelFunc

	tracker  *OperationTracker
	registry *Registry
	signals  *SignalCounter
	sigChan  chan os.Signal
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout bounds the whole shutdown sequence. Default 60 seconds.
func WithTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithForceExit replaces os.Exit for the second-signal path.
func WithForceExit(exit func(code int)) ManagerOption {
	return func(m *Manager) {
		m.forceExit = exit
	}
}

// NewManager creates a Manager. A nil logger discards output.
func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:    logger.Named("shutdown"),
		timeout:   60 * time.Second,
		forceExit: os.Exit,
		ctx:       ctx,
		cancel:    cancel,
		tracker:   NewOperationTracker(),
		registry:  NewRegistry(),
		sigChan:   make(chan os.Signal, 2),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.signals = NewSignalCounter(2, func(code int) {
		m.logger.Warn("Received another signal, forcing exit", zap.Int("exit_code", code))
		m.forceExit(code)
	})
	return m
}

// Context is cancelled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a cleanup step.
func (m *Manager) Register(name string, stage Stage, fn core.ShutdownFunc) {
	m.registry.Register(name, stage, fn)
	m.logger.Debug("Registered shutdown step",
		zap.String("name", name),
		zap.String("stage", stage.String()),
	)
}

// Start listens for SIGINT and SIGTERM. Calling it again is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range m.sigChan {
			m.handleSignal(sig)
		}
	}()
}

func (m *Manager) handleSignal(sig os.Signal) {
	if m.signals.Observe(sig) == 1 {
		m.logger.Info("Received shutdown signal, draining",
			zap.String("signal", sig.String()),
			zap.Int64("in_flight", m.tracker.ActiveCount()),
		)
		m.Trigger()
	}
}

// Trigger begins shutdown without a signal: intake closes and Context is
// cancelled. Shutdown must still be called to drain and clean up.
func (m *Manager) Trigger() {
	m.tracker.Close()
	m.cancel()
}

// Shutdown drains in-flight operations and runs the cleanup steps. It is
// idempotent; later calls return nil.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	m.mu.Unlock()

	m.Trigger()
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.logger.Info("Shutting down",
		zap.Duration("timeout", m.timeout),
		zap.Int64("in_flight", m.tracker.ActiveCount()),
		zap.Strings("steps", m.registry.Names()),
	)

	if err := m.tracker.Wait(ctx); err != nil {
		m.logger.Warn("In-flight requests did not finish before the deadline",
			zap.Strings("operations", m.tracker.ActiveNames()),
			zap.Int64("remaining", m.tracker.ActiveCount()),
		)
	}

	// Steps always get at least a second, even after a slow drain.
	stepCtx := ctx
	if remaining := m.timeout - time.Since(start); remaining < time.Second {
		var stepCancel context.CancelFunc
		stepCtx, stepCancel = context.WithTimeout(context.Background(), time.Second)
		defer stepCancel()
	}

	errs := m.registry.Run(stepCtx)
	for _, err := range errs {
		m.logger.Error("Shutdown step failed", zap.Error(err))
	}

	m.mu.Lock()
	if m.started {
		signal.Stop(m.sigChan)
		close(m.sigChan)
	}
	m.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown had %d errors: %w", len(errs), errs[0])
	}
	m.logger.Info("Shutdown complete", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Wait blocks until shutdown begins.
func (m *Manager) Wait() {
	<-m.ctx.Done()
}

// Track runs fn as an in-flight operation. It returns ErrTrackerClosed
// without running fn once shutdown has begun. fn receives ctx unchanged:
// draining lets admitted work finish instead of cancelling it.
func (m *Manager) Track(ctx context.Context, name string, fn func(context.Context) error) error {
	done, ok := m.tracker.Begin(name)
	if !ok {
		m.logger.Debug("Operation rejected, shutting down", zap.String("operation", name))
		return ErrTrackerClosed
	}
	defer done()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// ActiveOperations returns the number of in-flight operations.
func (m *Manager) ActiveOperations() int64 {
	return m.tracker.ActiveCount()
}

// IsShuttingDown reports whether intake is closed.
func (m *Manager) IsShuttingDown() bool {
	return m.tracker.IsClosed()
}
