package handlers

import (
	"context"
	"fmt"
	"image"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"refgen_worker/core"
	"refgen_worker/imageio"
	"refgen_worker/logging"
	"refgen_worker/pipeline"
)

// Pipeline is the part of pipeline.Manager the handler needs.
type Pipeline interface {
	EnsureReady(ctx context.Context) (*pipeline.Capability, error)
	Generate(ctx context.Context, p pipeline.GenerateParams) (*pipeline.Result, error)
}

// ImageReader resolves reference entries to images, all or nothing.
type ImageReader interface {
	Read(ctx context.Context, entries []string) ([]image.Image, error)
}

// Observer is told about every finished request.
type Observer interface {
	RequestFinished(outcome string, elapsed time.Duration)
}

// Config configures a Handler.
type Config struct {
	// Readiness is core.ReadinessEager or core.ReadinessLazy.
	Readiness string

	Defaults Defaults

	// Hint is returned with pipeline_load_failed responses when the load
	// error does not carry its own (see core.PipelineLoadHint).
	Hint string
}

// ConfigFromCore builds handler settings from the worker configuration.
func ConfigFromCore(cfg *core.Config) Config {
	return Config{
		Readiness: cfg.Readiness,
		Defaults:  DefaultsForProfile(cfg.Profile),
		Hint:      core.PipelineLoadHint(cfg),
	}
}

// Handler runs the request state machine:
//
//	VALIDATE → ENSURE_READY → INGEST_IMAGES → GENERATE → ENCODE_OUTPUT
//
// Each stage may end the request early with a structured failure. Handle
// never panics and never returns anything but a Response.
//
// Handler keeps no per-request state and is safe for concurrent use.
type Handler struct {
	pipeline Pipeline
	images   ImageReader
	cfg      Config
	logger   *logging.Logger
	observer Observer
}

// New creates a Handler.
func New(p Pipeline, images ImageReader, cfg Config, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Readiness == "" {
		cfg.Readiness = core.ReadinessLazy
	}
	if cfg.Defaults == (Defaults{}) {
		cfg.Defaults = DefaultsForProfile(core.ProfileStandard)
	}
	return &Handler{
		pipeline: p,
		images:   images,
		cfg:      cfg,
		logger:   logger.Named("handler"),
	}
}

// SetObserver installs a request observer.
func (h *Handler) SetObserver(o Observer) {
	h.observer = o
}

// Eager reports whether the pipeline must be warmed before serving.
func (h *Handler) Eager() bool {
	return h.cfg.Readiness == core.ReadinessEager
}

// Warm builds the pipeline ahead of the first request. Under the eager
// policy the caller treats an error as fatal; under lazy it is optional.
func (h *Handler) Warm(ctx context.Context) error {
	c, err := h.pipeline.EnsureReady(ctx)
	if err != nil {
		return err
	}
	h.logger.Info("Pipeline warmed",
		zap.String("readiness", h.cfg.Readiness),
		zap.String("device", string(c.Device)),
		zap.Int("degraded_features", countDegraded(c.Outcomes)),
	)
	return nil
}

type requestIDKey struct{}

// WithRequestID attaches a request id used in log entries.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id set by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Handle processes one request input.
func (h *Handler) Handle(ctx context.Context, input Input) (resp Response) {
	start := time.Now()
	id := RequestID(ctx)
	if id == "" {
		id = uuid.NewString()
		ctx = WithRequestID(ctx, id)
	}
	log := h.logger.With(zap.String("request_id", id))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panic recovered",
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
			resp = failure(KindInternalError, "internal error", fmt.Errorf("panic: %v", r))
		}
		elapsed := time.Since(start)
		if h.observer != nil {
			h.observer.RequestFinished(resp.Outcome(), elapsed)
		}
		if resp.Failed() {
			log.Warn("Request failed",
				zap.String("kind", string(resp.Kind)),
				zap.String("error", resp.Error),
				zap.String("detail", resp.Detail),
				zap.Duration("elapsed", elapsed),
			)
		} else {
			log.Info("Request completed", zap.Duration("elapsed", elapsed))
		}
	}()

	return h.handle(ctx, input, log)
}

func (h *Handler) handle(ctx context.Context, input Input, log *logging.Logger) Response {
	req, err := ParseRequest(input, h.cfg.Defaults)
	if err != nil {
		return Response{Error: err.Error(), Kind: KindValidationFailed}
	}
	log.Debug("Request validated",
		zap.Int("images", len(req.Images)),
		zap.Int("steps", req.Steps),
		zap.Int("width", req.Width),
		zap.Int("height", req.Height),
		zap.Bool("seeded", req.Seed != nil),
	)

	if _, err := h.pipeline.EnsureReady(ctx); err != nil {
		resp := failure(KindPipelineLoadFailed, "pipeline load failed", err)
		resp.Hint = h.hint(err)
		return resp
	}

	refs, err := h.images.Read(ctx, req.Images)
	if err != nil {
		return failure(KindReadImagesFailed, "could not read images", err)
	}

	result, err := h.pipeline.Generate(ctx, req.Params(refs))
	if err != nil {
		return failure(KindInferenceFailed, "inference failed", err)
	}
	log.Debug("Image generated",
		zap.Int64("seed", result.Seed),
		zap.Duration("inference", result.Elapsed),
	)

	data, err := imageio.EncodePNG(result.Image)
	if err != nil {
		return failure(KindEncodeFailed, "could not encode image", err)
	}
	if req.ReturnBase64 {
		return Response{ImageBase64: imageio.EncodeBase64(data)}
	}
	return Response{ImageDataURL: imageio.DataURL(imageio.PNGMimeType, data)}
}

func (h *Handler) hint(err error) string {
	if cfgErr, ok := core.IsConfigError(err); ok && cfgErr.Action != "" {
		return cfgErr.Action
	}
	return h.cfg.Hint
}

func countDegraded(outcomes []pipeline.FeatureOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Degraded() {
			n++
		}
	}
	return n
}
