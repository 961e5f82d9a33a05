package handlers

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"refgen_worker/shutdown"
)

// ErrShuttingDown is returned when a request is rejected because the worker
// is shutting down.
var ErrShuttingDown = errors.New("request rejected: worker is shutting down")

// Processor handles one request input.
type Processor interface {
	Handle(ctx context.Context, input Input) Response
}

// RequestWrapper runs requests as tracked in-flight operations so that a
// graceful shutdown waits for generations already underway and rejects new
// ones.
//
// Usage:
//
//	wrapper := handlers.NewRequestWrapper(h, shutdownManager, logger)
//	resp, err := wrapper.Execute(ctx, "runsync", input)
//	if errors.Is(err, handlers.ErrShuttingDown) {
//	    // respond 503
//	}
type RequestWrapper struct {
	processor Processor
	manager   *shutdown.Manager
	logger    *zap.Logger
}

// NewRequestWrapper creates a RequestWrapper around processor.
func NewRequestWrapper(processor Processor, manager *shutdown.Manager, logger *zap.Logger) *RequestWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestWrapper{
		processor: processor,
		manager:   manager,
		logger:    logger,
	}
}

// Execute handles input unless shutdown has started. The request runs on
// ctx, not on the shutdown context: a generation that was admitted is
// allowed to finish.
func (w *RequestWrapper) Execute(ctx context.Context, operationName string, input Input) (Response, error) {
	if w.manager.IsShuttingDown() {
		w.logger.Debug("Request rejected, worker is shutting down",
			zap.String("operation", operationName),
		)
		return Response{}, ErrShuttingDown
	}

	var resp Response
	err := w.manager.Track(ctx, operationName, func(opCtx context.Context) error {
		resp = w.processor.Handle(opCtx, input)
		return nil
	})
	if errors.Is(err, shutdown.ErrTrackerClosed) {
		return Response{}, ErrShuttingDown
	}
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

// ActiveRequests returns the number of requests currently being handled.
func (w *RequestWrapper) ActiveRequests() int64 {
	return w.manager.ActiveOperations()
}
