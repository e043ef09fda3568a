package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
)

// RemoteConfig controls delivery to an external queue.
type RemoteConfig struct {
	Retry RetryConfig
	// AttemptTimeout bounds one enqueue call.
	AttemptTimeout time.Duration
}

// Remote hands jobs to an external queue consumed by separate worker
// processes. Nothing runs in this process.
type Remote struct {
	submitter
	queue geoexport.Queue
	cfg   RemoteConfig
}

var _ Dispatcher = (*Remote)(nil)

// NewRemote builds the external-queue strategy.
func NewRemote(jobs Jobs, queue geoexport.Queue, cfg RemoteConfig, logger *zap.Logger) *Remote {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}
	r := &Remote{queue: queue, cfg: cfg}
	r.submitter = submitter{
		jobs:      jobs,
		admission: newAdmission(r.enqueue, cfg.Retry, logger.Named("admission")),
		logger:    logger,
	}
	return r
}

func (r *Remote) enqueue(ctx context.Context, task geoexport.Task) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()
	if err := r.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Run delivers admitted tasks until ctx is done. Tasks still waiting for
// the queue at shutdown are failed.
func (r *Remote) Run(ctx context.Context) {
	r.admission.run(ctx)
	r.abandon(ctx, r.admission.stop(), "service shutting down before job was queued")
}
