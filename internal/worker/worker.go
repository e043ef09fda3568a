// Package worker implements the export execution loop shared by the local
// pool and the queue-consuming worker process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
	"github.com/JakeFAU/s2-index-exporter/internal/metrics"
	"github.com/JakeFAU/s2-index-exporter/internal/telemetry"
)

// Recorder applies job state transitions.
type Recorder interface {
	Transition(ctx context.Context, jobID string, state geoexport.JobState, message string) (geoexport.Job, error)
}

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds a single pipeline run. Zero means no limit.
	JobTimeout time.Duration
	// FinalizeTimeout bounds the terminal transition, which runs even after
	// the worker context is canceled.
	FinalizeTimeout time.Duration
	// ClaimRetryMax bounds how long a claim is retried while the job store
	// is unavailable.
	ClaimRetryMax time.Duration
	// DequeueBackoff is the pause after a failed dequeue.
	DequeueBackoff time.Duration
}

const abandonedMessage = "service shutting down before job started"

// Worker consumes tasks and runs the export pipeline for each.
type Worker struct {
	queue    geoexport.Queue
	jobs     Recorder
	pipeline geoexport.Pipeline
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	queue geoexport.Queue,
	jobs Recorder,
	pipeline geoexport.Pipeline,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 30 * time.Second
	}
	if cfg.ClaimRetryMax <= 0 {
		cfg.ClaimRetryMax = time.Minute
	}
	if cfg.DequeueBackoff <= 0 {
		cfg.DequeueBackoff = time.Second
	}
	metrics.Init()
	return &Worker{
		queue:    queue,
		jobs:     jobs,
		pipeline: pipeline,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.DequeueBackoff):
			}
			continue
		}
		w.logger.Debug("dequeued task", zap.String("job_id", task.JobID), zap.Int("attempt", task.Attempt))
		w.Process(ctx, task)
	}
}

// Process claims the task's job and, if the claim succeeds, runs the
// pipeline and records the outcome. A task whose job is already claimed or
// gone is dropped. A task claimed after ctx is done is recorded as FAILED
// without running, so its job never stays QUEUED once it left the queue.
func (w *Worker) Process(ctx context.Context, task geoexport.Task) {
	ctx, span := telemetry.Tracer().Start(telemetry.Extract(ctx, task.TraceContext), "worker.Process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("job.id", task.JobID), attribute.Int("task.attempt", task.Attempt)),
	)
	defer span.End()

	if !w.claim(ctx, task.JobID) {
		span.SetAttributes(attribute.Bool("job.claimed", false))
		return
	}
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, abandonedMessage)
		w.record(ctx, task.JobID, geoexport.JobStateFailed, abandonedMessage)
		w.logger.Warn("abandoned job during shutdown", zap.String("job_id", task.JobID))
		return
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	jobCtx, cancel := w.jobContext(ctx)
	defer cancel()

	started := time.Now()
	paths, err := w.runPipeline(jobCtx, task)
	state, message := outcome(task, paths, err, jobCtx, w.cfg.JobTimeout)
	span.SetAttributes(attribute.String("job.state", string(state)), attribute.Int("export.objects", len(paths)))
	if state == geoexport.JobStateFailed {
		if err != nil {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, message)
	}

	if !w.record(ctx, task.JobID, state, message) {
		return
	}
	w.logger.Info("job finished",
		zap.String("job_id", task.JobID),
		zap.String("state", string(state)),
		zap.Int("objects", len(paths)),
		zap.Duration("elapsed", time.Since(started)),
	)
}

// record applies the terminal transition. It runs even after ctx is done.
func (w *Worker) record(ctx context.Context, jobID string, state geoexport.JobState, message string) bool {
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FinalizeTimeout)
	defer cancel()
	if _, err := w.jobs.Transition(finalCtx, jobID, state, message); err != nil {
		w.logger.Error("final job transition failed",
			zap.String("job_id", jobID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
		return false
	}
	metrics.ObserveJob(string(state))
	return true
}

// claim moves the job to RUNNING. The first attempt is made even when ctx
// is already done; retries stop with ctx.
func (w *Worker) claim(ctx context.Context, jobID string) bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = w.cfg.ClaimRetryMax

	op := func() error {
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FinalizeTimeout)
		defer cancel()
		_, err := w.jobs.Transition(attemptCtx, jobID, geoexport.JobStateRunning, "running")
		if errors.Is(err, geoexport.ErrInvalidTransition) || errors.Is(err, geoexport.ErrUnknownJob) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	switch {
	case err == nil:
		return true
	case errors.Is(err, geoexport.ErrInvalidTransition), errors.Is(err, geoexport.ErrUnknownJob):
		w.logger.Info("dropping task for job that is not claimable",
			zap.String("job_id", jobID), zap.Error(err))
	default:
		w.logger.Error("claim job failed", zap.String("job_id", jobID), zap.Error(err))
	}
	return false
}

func (w *Worker) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.cfg.JobTimeout > 0 {
		return context.WithTimeout(ctx, w.cfg.JobTimeout)
	}
	return context.WithCancel(ctx)
}

func (w *Worker) runPipeline(ctx context.Context, task geoexport.Task) (paths []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("pipeline panicked",
				zap.String("job_id", task.JobID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			paths = nil
			err = fmt.Errorf("%w: internal error: %v", geoexport.ErrPipelineFailure, r)
		}
	}()
	return w.pipeline.Run(ctx, task)
}

func outcome(
	task geoexport.Task,
	paths []string,
	err error,
	jobCtx context.Context,
	timeout time.Duration,
) (geoexport.JobState, string) {
	switch {
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		return geoexport.JobStateFailed, fmt.Sprintf("job exceeded the %s time limit", timeout)
	case errors.Is(jobCtx.Err(), context.Canceled):
		return geoexport.JobStateFailed, "service shutting down while job was running"
	case err != nil:
		return geoexport.JobStateFailed, err.Error()
	case len(paths) == 0:
		return geoexport.JobStateFailed, "pipeline reported success but produced no outputs"
	default:
		return geoexport.JobStateSucceeded, fmt.Sprintf("exported %d objects to %s", len(paths), task.Namespace)
	}
}

// Pool runs a fixed set of workers over one queue.
type Pool struct {
	workers []*Worker
}

// NewPool builds size workers sharing the same collaborators.
func NewPool(
	size int,
	queue geoexport.Queue,
	jobs Recorder,
	pipeline geoexport.Pipeline,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = 1
	}
	workers := make([]*Worker, 0, size)
	for i := range size {
		workers = append(workers, New(queue, jobs, pipeline, cfg, logger.With(zap.Int("worker", i))))
	}
	return &Pool{workers: workers}
}

// Size reports the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Run starts all workers and blocks until the context finishes and every
// in-flight job has recorded its outcome.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(wk *Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}
