package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"refgen_worker/backend/gemini"
	"refgen_worker/backend/procedural"
	"refgen_worker/backend/sdwebui"
	"refgen_worker/core"
	"refgen_worker/handlers"
	"refgen_worker/imageio"
	"refgen_worker/logging"
	"refgen_worker/metrics"
	"refgen_worker/pipeline"
	"refgen_worker/server"
)

// worker is the assembled process: one pipeline manager, one handler, and
// the metrics they report to.
type worker struct {
	cfg       *core.Config
	logger    *logging.Logger
	device    pipeline.Device
	loader    pipeline.Loader
	pipeline  *pipeline.Manager
	fetcher   *imageio.Fetcher
	handler   *handlers.Handler
	collector *metrics.Collector
}

// newLogger builds the process logger from configuration. console may be
// nil for stdout.
func newLogger(cfg *core.Config, console zapcore.WriteSyncer) (*logging.Logger, error) {
	opts := logging.Options{
		Development: cfg.DevMode,
		FilePath:    cfg.LogFile,
		Console:     console,
	}
	if cfg.LogLevel != "" {
		level := logging.ParseLogLevelString(cfg.LogLevel, zapcore.InfoLevel)
		opts.Level = &level
	}
	return logging.NewLogger(opts)
}

// newLoader picks the model backend named by PIPELINE_BACKEND.
func newLoader(cfg *core.Config) (pipeline.Loader, error) {
	switch strings.ToLower(cfg.Backend) {
	case core.BackendProcedural:
		return procedural.NewLoader(cfg.ModelCacheDir), nil
	case core.BackendSDWebUI:
		return sdwebui.NewLoader(sdwebui.Config{
			BaseURL:    cfg.SDWebUIURL,
			HTTPClient: core.GetHTTPClient(cfg, cfg.SDWebUITimeout.Duration()),
			Auth:       cfg.SDWebUIAuth,
		}), nil
	case core.BackendGemini:
		return gemini.NewLoader(gemini.Config{
			APIKey:  cfg.GeminiAPIKey,
			BaseURL: cfg.GeminiBaseURL,
		}), nil
	default:
		return nil, core.ErrInvalidChoice("PIPELINE_BACKEND", cfg.Backend,
			core.BackendProcedural, core.BackendSDWebUI, core.BackendGemini)
	}
}

// newWorker wires configuration into a ready-to-serve worker. Nothing is
// loaded yet; see worker.warm.
func newWorker(ctx context.Context, cfg *core.Config, logger *logging.Logger) (*worker, error) {
	if err := cfg.CheckModelCacheDir(); err != nil {
		logger.Warn("Model cache directory check failed", zap.Error(err))
	}

	device := pipeline.ResolveDevice(ctx, cfg.Device, pipeline.NvidiaSMIProbe(""))
	loader, err := newLoader(cfg)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector()
	manager := pipeline.NewManager(loader, pipeline.OptionsFromConfig(cfg, device), logger)
	manager.SetObserver(collector)

	fetcher := imageio.NewFetcher(imageio.FetcherConfig{
		HTTPClient:    core.GetHTTPClient(cfg, cfg.FetchTimeout.Duration()),
		Timeout:       cfg.FetchTimeout.Duration(),
		MaxBytes:      cfg.FetchMaxBytes,
		CacheTTL:      cfg.FetchCacheTTL.Duration(),
		CacheMaxItems: cfg.FetchCacheMaxItems,
	}, logger)

	h := handlers.New(manager, imageio.NewIngester(fetcher, 0), handlers.ConfigFromCore(cfg), logger)
	h.SetObserver(collector)

	logger.Info("Worker configured",
		zap.String("backend", loader.Name()),
		zap.String("model_id", cfg.ModelID),
		zap.String("device", string(device)),
		zap.String("readiness", cfg.Readiness),
		zap.String("profile", cfg.Profile),
		zap.Bool("use_lcm", cfg.UseLCM),
		zap.Float64("adapter_scale", cfg.AdapterScale),
		zap.String("log_file", logger.LogFilePath()),
	)

	return &worker{
		cfg:       cfg,
		logger:    logger,
		device:    device,
		loader:    loader,
		pipeline:  manager,
		fetcher:   fetcher,
		handler:   h,
		collector: collector,
	}, nil
}

// warm builds the pipeline when the readiness policy is eager. A failure is
// returned with the pipeline-unavailable exit code. Under the lazy policy
// it does nothing and the first request pays the load.
func (w *worker) warm(ctx context.Context) error {
	if !w.handler.Eager() {
		w.logger.Info("Lazy readiness: pipeline loads on first request")
		return nil
	}
	if err := w.handler.Warm(ctx); err != nil {
		w.logger.Error("Pipeline failed to load",
			zap.Error(err),
			zap.String("hint", core.PipelineLoadHint(w.cfg)),
		)
		return withExitCode(core.ExitCodePipelineUnavailable, fmt.Errorf("pipeline unavailable: %w", err))
	}
	return nil
}

// newJobStore opens the store named by JOB_STORE.
func newJobStore(ctx context.Context, cfg *core.Config) (server.JobStore, error) {
	switch cfg.JobStore {
	case core.JobStoreRedis:
		return server.NewRedisStore(ctx, cfg.RedisURL, cfg.JobTTL.Duration())
	default:
		return server.NewMemoryStore(cfg.JobTTL.Duration()), nil
	}
}
