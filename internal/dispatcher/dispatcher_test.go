package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/paulmach/orb"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/s2-index-exporter/internal/clock/system"
	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
	"github.com/JakeFAU/s2-index-exporter/internal/id/uuid"
	"github.com/JakeFAU/s2-index-exporter/internal/jobs"
	"github.com/JakeFAU/s2-index-exporter/internal/storage/memory"
	redisstore "github.com/JakeFAU/s2-index-exporter/internal/storage/redis"
)

var (
	testBoundary = geoexport.Boundary{
		Geometry: orb.MultiPolygon{{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}}},
		Digest:   "digest",
	}
	testParams = geoexport.JobParameters{StartYear: 2024, EndYear: 2024, Zones: 5, Scale: 10}
	fastRetry  = RetryConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond}
)

func newRegistry() *jobs.Registry {
	return jobs.NewRegistry(memory.NewJobStore(), uuid.New(), system.New(), jobs.Config{NamespacePrefix: "exports"}, zap.NewNop())
}

// gatedPipeline blocks every run until release is closed and records the
// order jobs started in.
type gatedPipeline struct {
	release chan struct{}
	mu      sync.Mutex
	started []string
}

func newGatedPipeline() *gatedPipeline {
	return &gatedPipeline{release: make(chan struct{})}
}

func (p *gatedPipeline) Run(ctx context.Context, task geoexport.Task) ([]string, error) {
	p.mu.Lock()
	p.started = append(p.started, task.JobID)
	p.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.release:
		return []string{task.Namespace + "zones/zones_k5_2024_2024.tif"}, nil
	}
}

func (p *gatedPipeline) order() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.started...)
}

func waitForState(t *testing.T, reg *jobs.Registry, id string, state geoexport.JobState) geoexport.Job {
	t.Helper()
	var job geoexport.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = reg.Get(context.Background(), id)
		return err == nil && job.State == state
	}, 3*time.Second, 10*time.Millisecond)
	return job
}

func TestLocalSubmitRunsJob(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	pipe := newGatedPipeline()
	d := NewLocal(reg, pipe, LocalConfig{Workers: 2, QueueDepth: 4, Retry: fastRetry}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	job, err := d.Submit(ctx, testBoundary, testParams)
	require.NoError(t, err)
	assert.Equal(t, geoexport.JobStateQueued, job.State)
	assert.Equal(t, "digest", job.BoundaryDigest)

	snapshot, err := reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, []geoexport.JobState{geoexport.JobStateQueued, geoexport.JobStateRunning}, snapshot.State)

	close(pipe.release)
	done := waitForState(t, reg, job.ID, geoexport.JobStateSucceeded)
	assert.Contains(t, done.Message, "exported 1 objects")
}

func TestLocalDefersAdmissionWhenSaturated(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	pipe := newGatedPipeline()
	d := NewLocal(reg, pipe, LocalConfig{Workers: 1, QueueDepth: 0, Retry: fastRetry}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var ids []string
	for range 5 {
		submitCtx, submitCancel := context.WithTimeout(ctx, 200*time.Millisecond)
		job, err := d.Submit(submitCtx, testBoundary, testParams)
		submitCancel()
		require.NoError(t, err)
		assert.Equal(t, geoexport.JobStateQueued, job.State)
		ids = append(ids, job.ID)
	}

	require.Eventually(t, func() bool { return len(pipe.order()) == 1 }, time.Second, 5*time.Millisecond)
	for _, id := range ids[2:] {
		job, err := reg.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, geoexport.JobStateQueued, job.State)
	}

	close(pipe.release)
	for _, id := range ids {
		waitForState(t, reg, id, geoexport.JobStateSucceeded)
	}
	assert.Equal(t, ids, pipe.order())
}

func TestLocalShutdownFailsPendingJobs(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	pipe := newGatedPipeline()
	d := NewLocal(reg, pipe, LocalConfig{Workers: 1, QueueDepth: 1, Retry: fastRetry}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()

	var ids []string
	for range 4 {
		job, err := d.Submit(context.Background(), testBoundary, testParams)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	require.Eventually(t, func() bool { return len(pipe.order()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	for i, id := range ids {
		job, err := reg.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, geoexport.JobStateFailed, job.State, "job %d", i)
		assert.Contains(t, job.Message, "shutting down")
	}

	_, err := d.Submit(context.Background(), testBoundary, testParams)
	require.ErrorIs(t, err, geoexport.ErrDispatchFailure)
	require.ErrorIs(t, err, ErrStopped)
}

func TestLocalShutdownWithRedisJobStoreLeavesNoQueuedJobs(t *testing.T) {
	t.Parallel()

	for trial := range 10 {
		srv := miniredis.RunT(t)
		client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		store, err := redisstore.NewJobStore(client, redisstore.Config{KeyPrefix: fmt.Sprintf("t%d:", trial)})
		require.NoError(t, err)
		reg := jobs.NewRegistry(store, uuid.New(), system.New(), jobs.Config{NamespacePrefix: "exports"}, zap.NewNop())

		pipe := newGatedPipeline()
		d := NewLocal(reg, pipe, LocalConfig{Workers: 1, QueueDepth: 8, Retry: fastRetry}, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		stopped := make(chan struct{})
		go func() {
			d.Run(ctx)
			close(stopped)
		}()

		var ids []string
		for range 6 {
			job, err := d.Submit(context.Background(), testBoundary, testParams)
			require.NoError(t, err)
			ids = append(ids, job.ID)
		}
		require.Eventually(t, func() bool { return len(pipe.order()) == 1 }, time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool { return d.queue.Len() == 5 }, time.Second, 5*time.Millisecond)

		cancel()
		select {
		case <-stopped:
		case <-time.After(3 * time.Second):
			t.Fatal("dispatcher did not stop")
		}

		for i, id := range ids {
			job, err := reg.Get(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, geoexport.JobStateFailed, job.State, "trial %d job %d", trial, i)
		}
	}
}

type failingCreator struct {
	Jobs
}

func (failingCreator) Create(context.Context, string, geoexport.JobParameters) (geoexport.Job, error) {
	return geoexport.Job{}, fmt.Errorf("%w: store unavailable", geoexport.ErrDispatchFailure)
}

func TestSubmitCreateFailure(t *testing.T) {
	t.Parallel()

	queue := &recordingQueue{}
	d := NewRemote(failingCreator{}, queue, RemoteConfig{Retry: fastRetry}, zap.NewNop())
	_, err := d.Submit(context.Background(), testBoundary, testParams)
	require.ErrorIs(t, err, geoexport.ErrDispatchFailure)
	assert.Zero(t, d.admission.pending())
}

// recordingQueue fails the first failures enqueues, then records tasks.
type recordingQueue struct {
	mu       sync.Mutex
	failures int
	attempts int
	tasks    []geoexport.Task
}

func (q *recordingQueue) Enqueue(_ context.Context, task geoexport.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempts++
	if q.failures > 0 {
		q.failures--
		return errors.New("connection refused")
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *recordingQueue) Dequeue(ctx context.Context) (geoexport.Task, error) {
	<-ctx.Done()
	return geoexport.Task{}, ctx.Err()
}

func (q *recordingQueue) delivered() []geoexport.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]geoexport.Task(nil), q.tasks...)
}

func TestRemoteRetriesUnreachableQueue(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	queue := &recordingQueue{failures: 3}
	d := NewRemote(reg, queue, RemoteConfig{Retry: fastRetry}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	job, err := d.Submit(ctx, testBoundary, testParams)
	require.NoError(t, err)
	assert.Equal(t, geoexport.JobStateQueued, job.State)

	require.Eventually(t, func() bool { return len(queue.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)
	task := queue.delivered()[0]
	assert.Equal(t, job.ID, task.JobID)
	assert.Equal(t, job.Namespace, task.Namespace)
	assert.Equal(t, 4, task.Attempt)
	assert.Equal(t, testBoundary.Digest, task.Boundary.Digest)

	// Remote never executes work itself.
	snapshot, err := reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, geoexport.JobStateQueued, snapshot.State)
}

func TestSubmitCarriesTraceContext(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	parent, span := tp.Tracer("test").Start(context.Background(), "POST /start")
	defer span.End()

	reg := newRegistry()
	queue := &recordingQueue{}
	d := NewRemote(reg, queue, RemoteConfig{Retry: fastRetry}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	_, err := d.Submit(parent, testBoundary, testParams)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(queue.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)

	tc := queue.delivered()[0].TraceContext
	require.Contains(t, tc, "traceparent")
	assert.Contains(t, tc["traceparent"], span.SpanContext().TraceID().String())
}

func TestRemoteEnqueuesEachJobOnce(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	queue := &recordingQueue{}
	d := NewRemote(reg, queue, RemoteConfig{Retry: fastRetry}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	const n = 40
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := d.Submit(ctx, testBoundary, testParams)
			if err == nil {
				ids <- job.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	submitted := map[string]bool{}
	for id := range ids {
		submitted[id] = true
	}
	require.Len(t, submitted, n)

	require.Eventually(t, func() bool { return len(queue.delivered()) == n }, 2*time.Second, 5*time.Millisecond)
	seen := map[string]int{}
	for _, task := range queue.delivered() {
		seen[task.JobID]++
	}
	for id := range submitted {
		assert.Equal(t, 1, seen[id], id)
	}
}

func TestRemoteShutdownFailsUndeliveredJobs(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	queue := &recordingQueue{failures: 1 << 20}
	d := NewRemote(reg, queue, RemoteConfig{Retry: fastRetry}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()

	job, err := d.Submit(ctx, testBoundary, testParams)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		queue.mu.Lock()
		defer queue.mu.Unlock()
		return queue.attempts > 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-stopped

	failed, err := reg.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, geoexport.JobStateFailed, failed.State)
	assert.Contains(t, failed.Message, "before job was queued")
}
