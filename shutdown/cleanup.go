package shutdown

import (
	"context"
	"errors"
	"net/http"
	"syscall"

	"refgen_worker/core"
)

// HTTPServer returns a step that stops srv from accepting connections and
// waits for active handlers within the step's deadline.
//
//	manager.Register("http-server", shutdown.StageStopIntake, shutdown.HTTPServer(srv))
func HTTPServer(srv *http.Server) core.ShutdownFunc {
	return func(ctx context.Context) error {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Syncer is satisfied by *logging.Logger and *zap.Logger.
type Syncer interface {
	Sync() error
}

// SyncLogger returns a step that flushes s. Sync errors from terminals
// (EINVAL, ENOTTY on stdout) are ignored.
func SyncLogger(s Syncer) core.ShutdownFunc {
	return func(context.Context) error {
		err := s.Sync()
		if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
			return nil
		}
		return err
	}
}
