package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"refgen_worker/core"
	"refgen_worker/handlers"
	"refgen_worker/logging"
	"refgen_worker/metrics"
	"refgen_worker/server"
	"refgen_worker/shutdown"
)

// loadFunc resolves configuration; tests replace it.
type loadFunc func() (*core.Config, error)

func newRootCommand(stdin io.Reader, stdout io.Writer) *cobra.Command {
	return newRootCommandWith(core.LoadConfig, stdin, stdout)
}

func newRootCommandWith(load loadFunc, stdin io.Reader, stdout io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "refgen-worker",
		Short:         "Reference-conditioned image generation worker",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(
		newServeCommand(load),
		newRunCommand(load, stdin, stdout),
		newCheckCommand(load, stdout),
	)
	return root
}

func newServeCommand(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve /runsync, /run, /status, /health and /metrics over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, nil)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

// serve runs the HTTP worker until SIGINT/SIGTERM, then drains.
func serve(ctx context.Context, cfg *core.Config, logger *logging.Logger) error {
	w, err := newWorker(ctx, cfg, logger)
	if err != nil {
		return err
	}

	mgr := shutdown.NewManager(logger.Zap(), shutdown.WithTimeout(cfg.ShutdownTimeout.Duration()))
	mgr.Start()

	// Eager warm-up happens before the listener opens so the platform never
	// routes traffic to a worker that cannot generate.
	if err := w.warm(mgr.Context()); err != nil {
		return err
	}

	store, err := newJobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}

	wrapper := handlers.NewRequestWrapper(w.handler, mgr, logger.Zap())
	queue := server.NewQueue(store, wrapper, cfg.WorkerConcurrency, cfg.QueueSize, logger)

	var limiter *server.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = server.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		limiter.StartCleanupTicker(mgr.Context(), 5*time.Minute)
	}

	srv := server.New(server.Deps{
		Wrapper:        wrapper,
		Queue:          queue,
		Store:          store,
		Status:         w.pipeline,
		IsShuttingDown: mgr.IsShuttingDown,
		Metrics:        w.collector,
		MetricsHandler: w.collector.Handler(),
	}, server.Config{
		Addr:    cfg.Addr(),
		Backend: w.loader.Name(),
		Limiter: limiter,
	}, logger)
	queue.Start()

	gpu := metrics.NewGPUCollector(metrics.NvidiaSMIReader{}, w.collector, 15*time.Second, logger.Zap())
	if w.device.Accelerated() {
		gpu.Start(mgr.Context())
	}

	mgr.Register("http-server", shutdown.StageStopIntake, shutdown.HTTPServer(srv.HTTPServer()))
	mgr.Register("job-queue", shutdown.StageDrain, srv.Close)
	mgr.Register("gpu-metrics", shutdown.StageRelease, gpu.Stop)
	mgr.Register("logger", shutdown.StageFlush, shutdown.SyncLogger(logger))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		if err != nil {
			logger.Error("HTTP server stopped", zap.Error(err))
		}
		mgr.Trigger()
	case <-mgr.Context().Done():
	}

	if shutdownErr := mgr.Shutdown(); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}

func newRunCommand(load loadFunc, stdin io.Reader, stdout io.Writer) *cobra.Command {
	var eventPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Handle one event from a file (or stdin) and print the output",
		Long: "Handle one event of the form {\"input\": {...}} and print the handler output as JSON.\n" +
			"Reads --event, or stdin when --event is \"-\".",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			// Stdout is reserved for the output JSON.
			logger, err := newLogger(cfg, os.Stderr)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer logger.Sync()

			var src io.Reader = stdin
			if eventPath != "-" {
				f, err := os.Open(eventPath)
				if err != nil {
					return fmt.Errorf("open event: %w", err)
				}
				defer f.Close()
				src = f
			}
			return runEvent(cmd.Context(), cfg, logger, src, stdout)
		},
	}
	cmd.Flags().StringVar(&eventPath, "event", "test_input.json", `event file, or "-" for stdin`)
	return cmd
}

type event struct {
	ID    string         `json:"id"`
	Input handlers.Input `json:"input"`
}

// readEvent parses {"id"?, "input": {...}}, keeping numbers as json.Number.
func readEvent(r io.Reader) (event, error) {
	var ev event
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return ev, fmt.Errorf("invalid event JSON: %w", err)
	}
	if ev.Input == nil {
		return ev, errors.New(`event has no "input" object`)
	}
	return ev, nil
}

// runEvent handles one event and writes {"id", "output"} to out. A handler
// failure is still a successful run: the output carries the error.
func runEvent(ctx context.Context, cfg *core.Config, logger *logging.Logger, in io.Reader, out io.Writer) error {
	ev, err := readEvent(in)
	if err != nil {
		return err
	}
	w, err := newWorker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := w.warm(ctx); err != nil {
		return err
	}

	if ev.ID != "" {
		ctx = handlers.WithRequestID(ctx, ev.ID)
	}
	resp := w.handler.Handle(ctx, ev.Input)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		ID     string            `json:"id,omitempty"`
		Output handlers.Response `json:"output"`
	}{ev.ID, resp})
}

func newCheckCommand(load loadFunc, stdout io.Writer) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Build the pipeline once and report which features are enabled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, nil)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return check(ctx, cfg, logger, stdout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "give up on the model load after this long")
	return cmd
}
