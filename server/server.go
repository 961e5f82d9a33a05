package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"refgen_worker/handlers"
	"refgen_worker/logging"
	"refgen_worker/pipeline"
)

// MaxBodyBytes bounds request bodies. Base64 reference images make events
// large, so this is generous.
const MaxBodyBytes = 64 << 20

// PipelineStatus is the part of pipeline.Manager that /health reports on.
type PipelineStatus interface {
	Ready() *pipeline.Capability
	Options() pipeline.Options
}

// Metrics is everything the server reports to. *metrics.Collector
// implements it.
type Metrics interface {
	HTTPRecorder
	QueueObserver
}

// Config configures a Server.
type Config struct {
	Addr         string
	Backend      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Limiter throttles /run and /runsync when set.
	Limiter *RateLimiter
}

// Server routes:
//
//	POST /runsync      run one event and return its output
//	POST /run          queue one event, poll /status/{id}
//	GET  /status/{id}  job record
//	GET  /health       readiness and queue state
//	GET  /metrics      Prometheus exposition (when a handler is given)
type Server struct {
	exec     Executor
	queue    *Queue
	store    JobStore
	status   PipelineStatus
	inFlight func() int64
	shutting func() bool
	cfg      Config
	logger   *logging.Logger

	httpServer *http.Server
}

// Deps groups the collaborators of a Server.
type Deps struct {
	Wrapper *handlers.RequestWrapper
	Queue   *Queue
	Store   JobStore
	Status  PipelineStatus

	// IsShuttingDown reports closed intake. Optional.
	IsShuttingDown func() bool

	// Metrics and MetricsHandler are optional.
	Metrics        Metrics
	MetricsHandler http.Handler
}

// New builds the server and its route table.
func New(deps Deps, cfg Config, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	// WriteTimeout stays 0 by default: /runsync blocks for the whole
	// generation, which can take minutes on a cold start.

	s := &Server{
		exec:     deps.Wrapper,
		queue:    deps.Queue,
		store:    deps.Store,
		status:   deps.Status,
		inFlight: deps.Wrapper.ActiveRequests,
		shutting: deps.IsShuttingDown,
		cfg:      cfg,
		logger:   logger.Named("server"),
	}
	if s.shutting == nil {
		s.shutting = func() bool { return false }
	}

	mux := http.NewServeMux()
	submit := func(h http.HandlerFunc) http.Handler {
		if cfg.Limiter != nil {
			return cfg.Limiter.Middleware(h)
		}
		return h
	}
	mux.Handle("POST /runsync", submit(s.handleRunSync))
	mux.Handle("POST /run", submit(s.handleRun))
	mux.HandleFunc("GET /status/{id}", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	if deps.MetricsHandler != nil {
		mux.Handle("GET /metrics", deps.MetricsHandler)
	}

	var recorder HTTPRecorder
	if deps.Metrics != nil {
		recorder = deps.Metrics
		if s.queue != nil {
			s.queue.SetObserver(deps.Metrics)
		}
	}
	mw := NewLoggingMiddleware(logger, recorder, "/health", "/metrics")

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mw.Handler(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the full middleware-wrapped route table.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer returns the underlying server, for shutdown registration.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe blocks until the server stops. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

type runRequest struct {
	ID    string         `json:"id"`
	Input handlers.Input `json:"input"`
}

type runResponse struct {
	ID     string             `json:"id"`
	Status JobStatus          `json:"status"`
	Output *handlers.Response `json:"output,omitempty"`
}

type errorBody struct {
	ID     string    `json:"id,omitempty"`
	Status JobStatus `json:"status"`
	Error  string    `json:"error"`
}

// decodeRun reads {id?, input}. Numbers stay json.Number so integer fields
// are not rounded through float64.
func decodeRun(w http.ResponseWriter, r *http.Request) (runRequest, error) {
	var req runRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("invalid JSON body: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return req, errors.New("invalid JSON body: trailing data")
	}
	if req.Input == nil {
		return req, errors.New(`missing "input" object`)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return req, nil
}

func (s *Server) handleRunSync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRun(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Status: StatusFailed, Error: err.Error()})
		return
	}

	ctx := handlers.WithRequestID(r.Context(), req.ID)
	resp, err := s.exec.Execute(ctx, "runsync:"+req.ID, req.Input)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, handlers.ErrShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorBody{ID: req.ID, Status: StatusFailed, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, runResponse{ID: req.ID, Status: StatusCompleted, Output: &resp})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Status: StatusFailed, Error: "async jobs are disabled"})
		return
	}
	req, err := decodeRun(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Status: StatusFailed, Error: err.Error()})
		return
	}
	if s.shutting() {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{ID: req.ID, Status: StatusFailed, Error: handlers.ErrShuttingDown.Error()})
		return
	}

	job, err := s.queue.Submit(r.Context(), req.ID, req.Input)
	switch {
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrQueueClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{ID: req.ID, Status: StatusFailed, Error: err.Error()})
		return
	case err != nil:
		s.logger.Error("Failed to queue job", zap.String("job_id", req.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{ID: req.ID, Status: StatusFailed, Error: "could not queue job"})
		return
	}
	writeJSON(w, http.StatusOK, runResponse{ID: job.ID, Status: job.Status})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, errorBody{ID: id, Status: StatusFailed, Error: ErrJobNotFound.Error()})
		return
	}
	job, err := s.store.Get(r.Context(), id)
	if errors.Is(err, ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{ID: id, Status: StatusFailed, Error: err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("Failed to load job", zap.String("job_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{ID: id, Status: StatusFailed, Error: "could not load job"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Health is the /health body.
type Health struct {
	Status       string                    `json:"status"`
	Backend      string                    `json:"backend"`
	ModelID      string                    `json:"model_id"`
	Device       pipeline.Device           `json:"device"`
	ReadyAt      *time.Time                `json:"ready_at,omitempty"`
	Outcomes     []pipeline.FeatureOutcome `json:"outcomes,omitempty"`
	QueueDepth   int                       `json:"queue_depth"`
	InFlight     int64                     `json:"in_flight"`
	ShuttingDown bool                      `json:"shutting_down"`
}

// handleHealth answers 200 once the pipeline is ready (or still lazily
// unloaded) and 503 while draining.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	opts := s.status.Options()
	h := Health{
		Status:       "not_loaded",
		Backend:      s.cfg.Backend,
		ModelID:      opts.ModelID,
		Device:       opts.Device,
		InFlight:     s.inFlight(),
		ShuttingDown: s.shutting(),
	}
	if s.queue != nil {
		h.QueueDepth = s.queue.Depth()
	}
	if c := s.status.Ready(); c != nil {
		h.Status = "ready"
		h.Backend = c.Backend
		h.Device = c.Device
		h.Outcomes = c.Outcomes
		readyAt := c.ReadyAt
		h.ReadyAt = &readyAt
	}

	code := http.StatusOK
	if h.ShuttingDown {
		h.Status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Ensure the wrapper satisfies Executor.
var _ Executor = (*handlers.RequestWrapper)(nil)

// Close is a shutdown step that drains the queue and closes the store.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.queue != nil {
		if err := s.queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain queue: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close job store: %w", err))
		}
	}
	return errors.Join(errs...)
}
