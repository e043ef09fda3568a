package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
	"github.com/JakeFAU/s2-index-exporter/internal/metrics"
)

// permanentError marks a delivery failure that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// admission is the unbounded FIFO between Submit and the execution path.
// Tasks leave the backlog only once delivered, so a shutdown sees every
// task that never reached a worker.
type admission struct {
	deliver func(ctx context.Context, task geoexport.Task) error
	retry   RetryConfig
	logger  *zap.Logger

	mu      sync.Mutex
	backlog []geoexport.Task
	stopped bool
	wake    chan struct{}
}

func newAdmission(
	deliver func(ctx context.Context, task geoexport.Task) error,
	retry RetryConfig,
	logger *zap.Logger,
) *admission {
	if retry.Initial <= 0 {
		retry.Initial = 250 * time.Millisecond
	}
	if retry.Max <= 0 {
		retry.Max = 30 * time.Second
	}
	return &admission{
		deliver: deliver,
		retry:   retry,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// push appends task to the backlog. It reports false once stop has run.
func (a *admission) push(task geoexport.Task) bool {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return false
	}
	a.backlog = append(a.backlog, task)
	n := len(a.backlog)
	a.mu.Unlock()
	metrics.SetAdmissionBacklog(n)

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return true
}

func (a *admission) front() (geoexport.Task, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.backlog) == 0 {
		return geoexport.Task{}, false
	}
	return a.backlog[0], true
}

func (a *admission) popFront() {
	a.mu.Lock()
	a.backlog[0] = geoexport.Task{}
	a.backlog = a.backlog[1:]
	n := len(a.backlog)
	a.mu.Unlock()
	metrics.SetAdmissionBacklog(n)
}

func (a *admission) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.backlog)
}

func (a *admission) isStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// stop refuses further work and returns whatever was never delivered.
func (a *admission) stop() []geoexport.Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	rest := a.backlog
	a.backlog = nil
	metrics.SetAdmissionBacklog(0)
	return rest
}

// run delivers tasks in submission order until ctx is done.
func (a *admission) run(ctx context.Context) {
	for {
		task, ok := a.front()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-a.wake:
				continue
			}
		}
		if err := a.deliverWithRetry(ctx, task); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Error("task dropped by admission", zap.String("job_id", task.JobID), zap.Error(err))
		}
		a.popFront()
	}
}

func (a *admission) deliverWithRetry(ctx context.Context, task geoexport.Task) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.retry.Initial
	policy.MaxInterval = a.retry.Max
	policy.MaxElapsedTime = 0

	op := func() error {
		task.Attempt++
		err := a.deliver(ctx, task)
		var perm *permanentError
		if errors.As(err, &perm) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.ObserveAdmissionRetry()
		a.logger.Warn("execution path unavailable; retrying admission",
			zap.String("job_id", task.JobID),
			zap.Int("attempt", task.Attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify)
}
