// Package dispatcher accepts export submissions and hands each job to
// exactly one execution path: the in-process worker pool or an external
// queue consumed by worker processes.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
	"github.com/JakeFAU/s2-index-exporter/internal/metrics"
	"github.com/JakeFAU/s2-index-exporter/internal/telemetry"
)

// Dispatcher is implemented by the Local and Remote strategies. The
// strategy is chosen once at startup.
type Dispatcher interface {
	// Submit records a QUEUED job and schedules it without waiting for
	// capacity on the execution path.
	Submit(ctx context.Context, boundary geoexport.Boundary, params geoexport.JobParameters) (geoexport.Job, error)
	// Run delivers admitted tasks until ctx is done.
	Run(ctx context.Context)
}

// Jobs is the slice of the job registry the dispatcher needs.
type Jobs interface {
	Create(ctx context.Context, digest string, params geoexport.JobParameters) (geoexport.Job, error)
	Transition(ctx context.Context, jobID string, state geoexport.JobState, message string) (geoexport.Job, error)
}

// RetryConfig controls how admission retries a saturated or unreachable
// execution path.
type RetryConfig struct {
	Initial time.Duration
	Max     time.Duration
}

// ErrStopped is returned by Submit after Run has returned.
var ErrStopped = errors.New("dispatcher stopped")

const abandonTimeout = 10 * time.Second

// submitter holds the Submit logic shared by both strategies.
type submitter struct {
	jobs      Jobs
	admission *admission
	logger    *zap.Logger
}

func (s *submitter) Submit(
	ctx context.Context,
	boundary geoexport.Boundary,
	params geoexport.JobParameters,
) (geoexport.Job, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "dispatcher.Submit",
		trace.WithAttributes(attribute.String("export.mode", string(params.Mode()))))
	defer span.End()

	if s.admission.isStopped() {
		span.SetStatus(codes.Error, ErrStopped.Error())
		return geoexport.Job{}, fmt.Errorf("%w: %w", geoexport.ErrDispatchFailure, ErrStopped)
	}
	job, err := s.jobs.Create(ctx, boundary.Digest, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create job")
		return geoexport.Job{}, err
	}
	span.SetAttributes(attribute.String("job.id", job.ID))
	admitted := s.admission.push(geoexport.Task{
		JobID:        job.ID,
		Namespace:    job.Namespace,
		Boundary:     boundary,
		Params:       params,
		Submitted:    job.Created.UnixMilli(),
		TraceContext: telemetry.Inject(ctx),
	})
	if !admitted {
		span.SetStatus(codes.Error, ErrStopped.Error())
		s.abandon(ctx, []geoexport.Task{{JobID: job.ID}}, "service shutting down before job started")
		return geoexport.Job{}, fmt.Errorf("%w: %w", geoexport.ErrDispatchFailure, ErrStopped)
	}
	metrics.ObserveJobSubmitted()
	s.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("mode", string(params.Mode())),
		zap.String("namespace", job.Namespace),
	)
	return job, nil
}

// abandon marks tasks that will never run as FAILED so no record stays
// QUEUED after the process exits.
func (s *submitter) abandon(ctx context.Context, tasks []geoexport.Task, message string) {
	if len(tasks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	for _, task := range tasks {
		_, err := s.jobs.Transition(ctx, task.JobID, geoexport.JobStateFailed, message)
		if err != nil && !errors.Is(err, geoexport.ErrInvalidTransition) {
			s.logger.Error("mark abandoned job failed", zap.String("job_id", task.JobID), zap.Error(err))
			continue
		}
		metrics.ObserveJob(string(geoexport.JobStateFailed))
	}
	s.logger.Warn("abandoned jobs that never started", zap.Int("count", len(tasks)))
}
