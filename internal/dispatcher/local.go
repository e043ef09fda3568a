package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
	memqueue "github.com/JakeFAU/s2-index-exporter/internal/queue/memory"
	"github.com/JakeFAU/s2-index-exporter/internal/worker"
)

// LocalConfig sizes the in-process execution path.
type LocalConfig struct {
	Workers    int
	QueueDepth int
	Retry      RetryConfig
	Worker     worker.Config
}

// Local runs jobs on a bounded in-process worker pool. Submissions beyond
// the queue depth wait in the admission backlog.
type Local struct {
	submitter
	queue *memqueue.Queue
	pool  *worker.Pool
}

var _ Dispatcher = (*Local)(nil)

// NewLocal builds the in-process strategy.
func NewLocal(jobs Jobs, pipeline geoexport.Pipeline, cfg LocalConfig, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	queue := memqueue.NewQueue(cfg.QueueDepth)
	l := &Local{
		queue: queue,
		pool:  worker.NewPool(cfg.Workers, queue, jobs, pipeline, cfg.Worker, logger.Named("worker")),
	}
	l.submitter = submitter{
		jobs:      jobs,
		admission: newAdmission(l.enqueue, cfg.Retry, logger.Named("admission")),
		logger:    logger,
	}
	return l
}

func (l *Local) enqueue(ctx context.Context, task geoexport.Task) error {
	err := l.queue.Enqueue(ctx, task)
	if errors.Is(err, memqueue.ErrClosed) {
		return &permanentError{err: err}
	}
	if err != nil {
		return fmt.Errorf("local enqueue: %w", err)
	}
	return nil
}

// Run starts admission and the worker pool, then on shutdown fails every
// job that never reached a worker.
func (l *Local) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.admission.run(ctx)
	}()
	go func() {
		defer wg.Done()
		l.pool.Run(ctx)
	}()
	wg.Wait()

	pending := l.admission.stop()
	pending = append(l.queue.Drain(), pending...)
	l.abandon(ctx, pending, "service shutting down before job started")
}
