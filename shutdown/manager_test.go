package shutdown

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"refgen_worker/core"
)

func TestManager_New(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t), WithTimeout(5*time.Second))
	if m.timeout != 5*time.Second {
		t.Errorf("timeout = %v", m.timeout)
	}
	if m.IsShuttingDown() {
		t.Error("new manager should not be shutting down")
	}
	if m.Context().Err() != nil {
		t.Error("context should be live")
	}

	if NewManager(nil, WithTimeout(0)).timeout != 60*time.Second {
		t.Error("zero timeout should keep the default")
	}
}

func TestManager_TrackRejectsAfterTrigger(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))

	ran := false
	if err := m.Track(context.Background(), "before", func(context.Context) error { ran = true; return nil }); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if !ran {
		t.Fatal("fn did not run")
	}

	m.Trigger()
	if m.Context().Err() == nil {
		t.Error("Trigger should cancel the context")
	}
	err := m.Track(context.Background(), "after", func(context.Context) error {
		t.Error("fn must not run after Trigger")
		return nil
	})
	if !errors.Is(err, ErrTrackerClosed) {
		t.Errorf("Track error = %v, want ErrTrackerClosed", err)
	}
}

func TestManager_TrackCancelledContext(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Track(ctx, "op", func(context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
	if m.ActiveOperations() != 0 {
		t.Error("operation not released")
	}
}

func TestManager_ShutdownWaitsForInFlight(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t), WithTimeout(5*time.Second))

	var finished atomic.Bool
	var stepSawFinished atomic.Bool
	m.Register("after-drain", StageRelease, func(context.Context) error {
		stepSawFinished.Store(finished.Load())
		return nil
	})

	started := make(chan struct{})
	go m.Track(context.Background(), "generate", func(context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	<-started

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !stepSawFinished.Load() {
		t.Error("cleanup ran before the in-flight operation finished")
	}
	if err := m.Shutdown(); err != nil {
		t.Errorf("second Shutdown = %v, want nil", err)
	}
}

func TestManager_ShutdownTimeoutStillRunsSteps(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t), WithTimeout(30*time.Millisecond))

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	go m.Track(context.Background(), "stuck", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	var ran atomic.Bool
	m.Register("flush", StageFlush, func(ctx context.Context) error {
		if ctx.Err() != nil {
			t.Error("step got an expired context")
		}
		ran.Store(true)
		return nil
	})

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !ran.Load() {
		t.Error("step did not run after drain timeout")
	}
}

func TestManager_ShutdownReportsStepErrors(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	boom := errors.New("redis close failed")
	m.Register("redis", StageRelease, func(context.Context) error { return boom })

	err := m.Shutdown()
	if !errors.Is(err, boom) {
		t.Fatalf("Shutdown error = %v, want wrapping %v", err, boom)
	}
}

func TestManager_SecondSignalForcesExit(t *testing.T) {
	var code atomic.Int64
	m := NewManager(zaptest.NewLogger(t), WithForceExit(func(c int) { code.Store(int64(c)) }))

	m.handleSignal(syscall.SIGTERM)
	if !m.IsShuttingDown() || m.Context().Err() == nil {
		t.Fatal("first signal should begin shutdown")
	}
	if code.Load() != 0 {
		t.Fatal("first signal must not force exit")
	}

	m.handleSignal(syscall.SIGTERM)
	if code.Load() != core.ExitCodeSIGTERM {
		t.Errorf("force exit code = %d, want %d", code.Load(), core.ExitCodeSIGTERM)
	}
}

func TestHTTPServerStep(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.NotFoundHandler())
	srv.Start()
	defer srv.Close()

	step := HTTPServer(srv.Config)
	if err := step(context.Background()); err != nil {
		t.Fatalf("HTTPServer step: %v", err)
	}
	if _, err := http.Get(srv.URL); err == nil {
		t.Error("server still accepting after shutdown step")
	}
}

type syncFunc func() error

func (f syncFunc) Sync() error { return f() }

func TestSyncLoggerIgnoresTerminalErrors(t *testing.T) {
	if err := SyncLogger(syncFunc(func() error { return syscall.ENOTTY }))(context.Background()); err != nil {
		t.Errorf("ENOTTY should be ignored, got %v", err)
	}
	boom := errors.New("disk full")
	if err := SyncLogger(syncFunc(func() error { return boom }))(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}
