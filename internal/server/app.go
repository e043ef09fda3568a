// Package server builds and runs the exporter processes: the API process,
// which also runs workers when no external queue is configured, and the
// queue-consuming worker process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/s2-index-exporter/internal/api"
	"github.com/JakeFAU/s2-index-exporter/internal/archive"
	"github.com/JakeFAU/s2-index-exporter/internal/boundary"
	"github.com/JakeFAU/s2-index-exporter/internal/clock/system"
	"github.com/JakeFAU/s2-index-exporter/internal/config"
	"github.com/JakeFAU/s2-index-exporter/internal/dispatcher"
	"github.com/JakeFAU/s2-index-exporter/internal/hash/sha256"
	"github.com/JakeFAU/s2-index-exporter/internal/id/uuid"
	"github.com/JakeFAU/s2-index-exporter/internal/jobs"
	"github.com/JakeFAU/s2-index-exporter/internal/metrics"
	"github.com/JakeFAU/s2-index-exporter/internal/telemetry"
	"github.com/JakeFAU/s2-index-exporter/internal/worker"
)

// ServiceName identifies the exporter in traces and the service info route.
const ServiceName = "s2-index-exporter"

const shutdownTimeout = 30 * time.Second

type closer struct {
	name string
	fn   func() error
}

// App contains the process dependencies.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	version string

	registry *jobs.Registry
	dispatch dispatcher.Dispatcher
	pool     *worker.Pool
	handler  http.Handler

	redis          map[string]*goredis.Client
	probes         map[string]api.Probe
	closers        []closer
	tracerShutdown func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger, version string) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:     cfg,
		logger:  logger,
		version: version,
		redis:   make(map[string]*goredis.Client),
		probes:  make(map[string]api.Probe),
	}
	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, ServiceName, version)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	a.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("job_store", cfg.JobStore.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("pipeline", cfg.Pipeline.Backend),
	)

	store, err := a.setupJobStore(ctx)
	if err != nil {
		return nil, a.fail(err)
	}
	a.registry = jobs.NewRegistry(store, uuid.New(), system.New(), jobs.Config{
		NamespacePrefix: cfg.Storage.Prefix,
		Retention:       cfg.Retention(),
		SweepInterval:   cfg.SweepInterval(),
	}, logger.Named("jobs"))
	return a, nil
}

// fail releases whatever was opened before a build error.
func (a *App) fail(err error) error {
	a.close(context.Background())
	return err
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) workerConfig() worker.Config {
	return worker.Config{JobTimeout: a.cfg.JobTimeout()}
}

// BuildAPI wires the API process. Without an external queue the process
// also runs the local worker pool.
func BuildAPI(ctx context.Context, cfg config.Config, logger *zap.Logger, version string) (*App, error) {
	a, err := newApp(ctx, cfg, logger, version)
	if err != nil {
		return nil, err
	}
	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return nil, a.fail(err)
	}
	a.addProbes(blobs)

	retry := dispatcher.RetryConfig{
		Initial: time.Duration(cfg.Dispatch.RetryInitialMs) * time.Millisecond,
		Max:     time.Duration(cfg.Dispatch.RetryMaxMs) * time.Millisecond,
	}
	if cfg.ExternalQueue() {
		queue, err := a.setupQueue(ctx)
		if err != nil {
			return nil, a.fail(err)
		}
		a.dispatch = dispatcher.NewRemote(a.registry, queue, dispatcher.RemoteConfig{Retry: retry}, a.logger.Named("dispatcher"))
		a.logger.Info("jobs run in external workers", zap.String("queue", cfg.Queue.Backend))
	} else {
		pipe, err := a.setupPipeline(ctx, blobs)
		if err != nil {
			return nil, a.fail(err)
		}
		a.dispatch = dispatcher.NewLocal(a.registry, pipe, dispatcher.LocalConfig{
			Workers:    cfg.Dispatch.Workers,
			QueueDepth: cfg.Dispatch.QueueDepth,
			Retry:      retry,
			Worker:     a.workerConfig(),
		}, a.logger.Named("dispatcher"))
		a.logger.Info("jobs run in process", zap.Int("workers", cfg.Dispatch.Workers))
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.handler = api.NewServer(api.Deps{
		Dispatcher: a.dispatch,
		Jobs:       a.registry,
		Archives:   archive.New(a.registry, blobs, archive.Config{Prefetch: cfg.Archive.Prefetch}, a.logger.Named("archive")),
		Normalizer: boundary.NewNormalizer(sha256.New(), 0),
		Clock:      system.New(),
	}, api.Config{
		Version:          version,
		BaseURL:          cfg.Server.BaseURL,
		MaxUploadBytes:   cfg.MaxUploadBytes(),
		RequestTimeout:   cfg.RequestTimeout(),
		CORSOrigins:      cfg.Server.CORSOrigins,
		APIKey:           apiKey,
		MinYear:          cfg.Jobs.MinYear,
		DefaultStartYear: cfg.Jobs.DefaultStartYear,
		Presence:         cfg.Presence(),
		Probes:           a.probes,
	}, a.logger.Named("api")).Handler()
	return a, nil
}

// BuildWorker wires the worker process, which consumes the external queue
// and serves only health and metrics routes.
func BuildWorker(ctx context.Context, cfg config.Config, logger *zap.Logger, version string) (*App, error) {
	if !cfg.ExternalQueue() {
		return nil, errors.New("worker process requires an external queue (queue.backend redis or pubsub)")
	}
	a, err := newApp(ctx, cfg, logger, version)
	if err != nil {
		return nil, err
	}
	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return nil, a.fail(err)
	}
	a.addProbes(blobs)
	queue, err := a.setupQueue(ctx)
	if err != nil {
		return nil, a.fail(err)
	}
	pipe, err := a.setupPipeline(ctx, blobs)
	if err != nil {
		return nil, a.fail(err)
	}
	a.pool = worker.NewPool(cfg.Dispatch.Workers, queue, a.registry, pipe, a.workerConfig(), a.logger.Named("worker"))

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	a.handler = r
	return a, nil
}

// Handler exposes the process HTTP routes.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run serves HTTP and runs the process's background work until a signal
// arrives or ctx ends. The HTTP server stops first so no submission
// arrives after the dispatcher has drained.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background work outlives ctx until the HTTP server has shut down.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	workDone := make(chan struct{})
	go func() {
		defer close(workDone)
		a.runBackground(workCtx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	cancelWork()
	select {
	case <-workDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("background work did not stop before the shutdown deadline")
	}
	a.close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

func (a *App) runBackground(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.registry.Run(ctx)
	}()
	switch {
	case a.dispatch != nil:
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	case a.pool != nil:
		a.logger.Info("worker pool started", zap.Int("workers", a.pool.Size()))
		a.pool.Run(ctx)
	}
	<-done
}

// close releases clients in reverse order of creation.
func (a *App) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	a.logger.Info("shutdown complete")
}
