// Package jobs owns the job lifecycle: allocating identifiers, recording
// state transitions and evicting finished records after the retention
// window.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
)

// MaxMessageLength bounds the human-readable status message.
const MaxMessageLength = 2048

// Config controls namespace layout and retention.
type Config struct {
	// NamespacePrefix is prepended to the job id to form the output
	// namespace in the object store.
	NamespacePrefix string
	// Retention is how long terminal jobs are kept. Zero disables sweeping.
	Retention time.Duration
	// SweepInterval is how often Run evicts expired jobs.
	SweepInterval time.Duration
}

// Registry is the only writer of job records.
type Registry struct {
	store  geoexport.JobStore
	ids    geoexport.IDGenerator
	clock  geoexport.Clock
	cfg    Config
	logger *zap.Logger
}

// NewRegistry wires a Registry over a backing store.
func NewRegistry(
	store geoexport.JobStore,
	ids geoexport.IDGenerator,
	clock geoexport.Clock,
	cfg Config,
	logger *zap.Logger,
) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Minute
	}
	return &Registry{store: store, ids: ids, clock: clock, cfg: cfg, logger: logger}
}

// Namespace returns the object-store prefix for a job id, always ending in
// a slash.
func (r *Registry) Namespace(jobID string) string {
	prefix := strings.Trim(r.cfg.NamespacePrefix, "/")
	if prefix == "" {
		return jobID + "/"
	}
	return path.Join(prefix, jobID) + "/"
}

// Create allocates a fresh id and records the job as QUEUED. Any failure is
// reported as ErrDispatchFailure.
func (r *Registry) Create(ctx context.Context, digest string, params geoexport.JobParameters) (geoexport.Job, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return geoexport.Job{}, fmt.Errorf("%w: allocate job id: %w", geoexport.ErrDispatchFailure, err)
	}
	now := r.clock.Now()
	job := geoexport.Job{
		ID:             id,
		State:          geoexport.JobStateQueued,
		Message:        "queued",
		Created:        now,
		Updated:        now,
		Parameters:     params,
		Namespace:      r.Namespace(id),
		BoundaryDigest: digest,
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		return geoexport.Job{}, fmt.Errorf("%w: %w", geoexport.ErrDispatchFailure, err)
	}
	return job, nil
}

// Get returns the current snapshot of a job.
func (r *Registry) Get(ctx context.Context, jobID string) (geoexport.Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return geoexport.Job{}, fmt.Errorf("empty job id: %w", geoexport.ErrUnknownJob)
	}
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return geoexport.Job{}, err
	}
	return job, nil
}

// Transition moves a job to state with message. Edges outside the lifecycle
// fail with ErrInvalidTransition and leave the record unchanged.
func (r *Registry) Transition(
	ctx context.Context,
	jobID string,
	state geoexport.JobState,
	message string,
) (geoexport.Job, error) {
	if !state.Valid() {
		return geoexport.Job{}, fmt.Errorf("transition to %q: %w", state, geoexport.ErrInvalidTransition)
	}
	job, err := r.store.TransitionJob(ctx, jobID, state, truncate(message), r.clock.Now())
	if err != nil {
		return job, err
	}
	r.logger.Info("job transitioned",
		zap.String("job_id", jobID),
		zap.String("state", string(state)),
		zap.String("message", job.Message),
	)
	return job, nil
}

// Sweep evicts terminal jobs older than the retention window.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	if r.cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := r.clock.Now().Add(-r.cfg.Retention)
	removed, err := r.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep jobs: %w", err)
	}
	return removed, nil
}

// Run sweeps on an interval until ctx is done. It returns immediately when
// retention is disabled.
func (r *Registry) Run(ctx context.Context) {
	if r.cfg.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := r.Sweep(ctx)
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				r.logger.Error("job sweep failed", zap.Error(err))
			case removed > 0:
				r.logger.Info("evicted expired jobs", zap.Int("count", removed))
			}
		}
	}
}

func truncate(message string) string {
	if len(message) <= MaxMessageLength {
		return message
	}
	cut := MaxMessageLength
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut] + "…"
}
