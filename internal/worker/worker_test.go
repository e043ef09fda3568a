package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/s2-index-exporter/internal/clock/system"
	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
	"github.com/JakeFAU/s2-index-exporter/internal/id/uuid"
	"github.com/JakeFAU/s2-index-exporter/internal/jobs"
	"github.com/JakeFAU/s2-index-exporter/internal/storage/memory"
	"github.com/JakeFAU/s2-index-exporter/internal/telemetry"
)

type fakeQueue struct {
	ch chan geoexport.Task
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{ch: make(chan geoexport.Task, 16)}
}

func (q *fakeQueue) Enqueue(_ context.Context, task geoexport.Task) error {
	q.ch <- task
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (geoexport.Task, error) {
	select {
	case <-ctx.Done():
		return geoexport.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task := <-q.ch:
		return task, nil
	}
}

type pipelineFunc func(ctx context.Context, task geoexport.Task) ([]string, error)

func (f pipelineFunc) Run(ctx context.Context, task geoexport.Task) ([]string, error) {
	return f(ctx, task)
}

func newRegistry() *jobs.Registry {
	return jobs.NewRegistry(memory.NewJobStore(), uuid.New(), system.New(), jobs.Config{NamespacePrefix: "exports"}, zap.NewNop())
}

func submit(t *testing.T, reg *jobs.Registry) geoexport.Task {
	t.Helper()
	job, err := reg.Create(context.Background(), "digest", geoexport.JobParameters{StartYear: 2024, EndYear: 2024, Zones: 5, Scale: 10})
	require.NoError(t, err)
	return geoexport.Task{JobID: job.ID, Namespace: job.Namespace, Params: job.Parameters}
}

func waitForState(t *testing.T, reg *jobs.Registry, id string, state geoexport.JobState) geoexport.Job {
	t.Helper()
	var job geoexport.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = reg.Get(context.Background(), id)
		return err == nil && job.State == state
	}, 2*time.Second, 10*time.Millisecond)
	return job
}

func TestProcessSuccess(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	task := submit(t, reg)
	var observed geoexport.JobState
	pipe := pipelineFunc(func(ctx context.Context, tk geoexport.Task) ([]string, error) {
		job, err := reg.Get(ctx, tk.JobID)
		require.NoError(t, err)
		observed = job.State
		return []string{tk.Namespace + "zones/a.tif", tk.Namespace + "zones/b.tif"}, nil
	})

	New(newFakeQueue(), reg, pipe, Config{}, zap.NewNop()).Process(context.Background(), task)

	job, err := reg.Get(context.Background(), task.JobID)
	require.NoError(t, err)
	assert.Equal(t, geoexport.JobStateRunning, observed)
	assert.Equal(t, geoexport.JobStateSucceeded, job.State)
	assert.Equal(t, fmt.Sprintf("exported 2 objects to %s", task.Namespace), job.Message)
}

func TestProcessContinuesSubmitterTrace(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	submitCtx, span := tp.Tracer("test").Start(context.Background(), "dispatcher.Submit")
	span.End()

	reg := newRegistry()
	task := submit(t, reg)
	task.TraceContext = telemetry.Inject(submitCtx)

	var seen trace.TraceID
	pipe := pipelineFunc(func(ctx context.Context, tk geoexport.Task) ([]string, error) {
		seen = trace.SpanContextFromContext(ctx).TraceID()
		return []string{tk.Namespace + "zones/a.tif"}, nil
	})
	New(newFakeQueue(), reg, pipe, Config{}, zap.NewNop()).Process(context.Background(), task)

	assert.Equal(t, span.SpanContext().TraceID(), seen)
	waitForState(t, reg, task.JobID, geoexport.JobStateSucceeded)
}

func TestProcessFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		run     pipelineFunc
		message string
	}{
		{
			name: "pipeline error",
			run: func(context.Context, geoexport.Task) ([]string, error) {
				return nil, fmt.Errorf("%w: 2 of 24 exports failed: quota", geoexport.ErrPipelineFailure)
			},
			message: "2 of 24 exports failed: quota",
		},
		{
			name: "no outputs",
			run: func(context.Context, geoexport.Task) ([]string, error) {
				return nil, nil
			},
			message: "produced no outputs",
		},
		{
			name: "panic",
			run: func(context.Context, geoexport.Task) ([]string, error) {
				panic("boom")
			},
			message: "internal error: boom",
		},
		{
			name: "timeout",
			cfg:  Config{JobTimeout: 20 * time.Millisecond},
			run: func(ctx context.Context, _ geoexport.Task) ([]string, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			message: "time limit",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			reg := newRegistry()
			task := submit(t, reg)

			New(newFakeQueue(), reg, tc.run, tc.cfg, zap.NewNop()).Process(context.Background(), task)

			job, err := reg.Get(context.Background(), task.JobID)
			require.NoError(t, err)
			assert.Equal(t, geoexport.JobStateFailed, job.State)
			assert.Contains(t, job.Message, tc.message)
		})
	}
}

func TestProcessDropsClaimedJob(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	task := submit(t, reg)
	_, err := reg.Transition(context.Background(), task.JobID, geoexport.JobStateRunning, "running elsewhere")
	require.NoError(t, err)

	var calls atomic.Int32
	pipe := pipelineFunc(func(context.Context, geoexport.Task) ([]string, error) {
		calls.Add(1)
		return []string{"x"}, nil
	})
	New(newFakeQueue(), reg, pipe, Config{}, zap.NewNop()).Process(context.Background(), task)

	assert.Zero(t, calls.Load())
	job, err := reg.Get(context.Background(), task.JobID)
	require.NoError(t, err)
	assert.Equal(t, geoexport.JobStateRunning, job.State)
	assert.Equal(t, "running elsewhere", job.Message)
}

func TestProcessDropsUnknownJob(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	var calls atomic.Int32
	pipe := pipelineFunc(func(context.Context, geoexport.Task) ([]string, error) {
		calls.Add(1)
		return nil, nil
	})
	New(newFakeQueue(), reg, pipe, Config{}, zap.NewNop()).
		Process(context.Background(), geoexport.Task{JobID: "missing"})
	assert.Zero(t, calls.Load())
}

type flakyRecorder struct {
	Recorder
	mu       sync.Mutex
	failures int
}

func (r *flakyRecorder) Transition(ctx context.Context, id string, state geoexport.JobState, msg string) (geoexport.Job, error) {
	r.mu.Lock()
	if state == geoexport.JobStateRunning && r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return geoexport.Job{}, errors.New("store unavailable")
	}
	r.mu.Unlock()
	return r.Recorder.Transition(ctx, id, state, msg)
}

func TestProcessRetriesClaimWhileStoreUnavailable(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	task := submit(t, reg)
	rec := &flakyRecorder{Recorder: reg, failures: 2}
	pipe := pipelineFunc(func(_ context.Context, tk geoexport.Task) ([]string, error) {
		return []string{tk.Namespace + "a.tif"}, nil
	})

	New(newFakeQueue(), rec, pipe, Config{}, zap.NewNop()).Process(context.Background(), task)

	job, err := reg.Get(context.Background(), task.JobID)
	require.NoError(t, err)
	assert.Equal(t, geoexport.JobStateSucceeded, job.State)
}

// ctxRecorder fails every call made on a finished context, the way network
// backed job stores do.
type ctxRecorder struct {
	Recorder
}

func (r ctxRecorder) Transition(ctx context.Context, id string, state geoexport.JobState, msg string) (geoexport.Job, error) {
	if err := ctx.Err(); err != nil {
		return geoexport.Job{}, fmt.Errorf("transition: %w", err)
	}
	return r.Recorder.Transition(ctx, id, state, msg)
}

func TestProcessAfterCancelFailsJob(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	task := submit(t, reg)
	other := submit(t, reg)
	_, err := reg.Transition(context.Background(), other.JobID, geoexport.JobStateRunning, "running elsewhere")
	require.NoError(t, err)

	var calls atomic.Int32
	pipe := pipelineFunc(func(context.Context, geoexport.Task) ([]string, error) {
		calls.Add(1)
		return []string{"x"}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := New(newFakeQueue(), ctxRecorder{Recorder: reg}, pipe, Config{}, zap.NewNop())
	w.Process(ctx, task)
	w.Process(ctx, other)

	assert.Zero(t, calls.Load())
	job, err := reg.Get(context.Background(), task.JobID)
	require.NoError(t, err)
	assert.Equal(t, geoexport.JobStateFailed, job.State)
	assert.Equal(t, "service shutting down before job started", job.Message)

	job, err = reg.Get(context.Background(), other.JobID)
	require.NoError(t, err)
	assert.Equal(t, geoexport.JobStateRunning, job.State, "a job owned by another worker is left alone")
}

func TestFailedJobDoesNotStopWorker(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	first := submit(t, reg)
	second := submit(t, reg)
	pipe := pipelineFunc(func(_ context.Context, tk geoexport.Task) ([]string, error) {
		if tk.JobID == first.JobID {
			panic("bad geometry")
		}
		return []string{tk.Namespace + "a.tif"}, nil
	})

	queue := newFakeQueue()
	require.NoError(t, queue.Enqueue(context.Background(), first))
	require.NoError(t, queue.Enqueue(context.Background(), second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go New(queue, reg, pipe, Config{}, zap.NewNop()).Run(ctx)

	waitForState(t, reg, first.JobID, geoexport.JobStateFailed)
	waitForState(t, reg, second.JobID, geoexport.JobStateSucceeded)
}

func TestPoolRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	tasks := []geoexport.Task{submit(t, reg), submit(t, reg), submit(t, reg)}
	queue := newFakeQueue()
	for _, task := range tasks {
		require.NoError(t, queue.Enqueue(context.Background(), task))
	}
	pipe := pipelineFunc(func(_ context.Context, tk geoexport.Task) ([]string, error) {
		return []string{tk.Namespace + "a.tif"}, nil
	})

	pool := NewPool(2, queue, reg, pipe, Config{}, zap.NewNop())
	assert.Equal(t, 2, pool.Size())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	for _, task := range tasks {
		waitForState(t, reg, task.JobID, geoexport.JobStateSucceeded)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after context cancel")
	}
}

func TestShutdownDuringRunRecordsFailure(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	task := submit(t, reg)
	started := make(chan struct{})
	pipe := pipelineFunc(func(ctx context.Context, _ geoexport.Task) ([]string, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	queue := newFakeQueue()
	require.NoError(t, queue.Enqueue(context.Background(), task))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(queue, reg, pipe, Config{}, zap.NewNop()).Run(ctx)
		close(done)
	}()

	<-started
	cancel()
	<-done

	job, err := reg.Get(context.Background(), task.JobID)
	require.NoError(t, err)
	assert.Equal(t, geoexport.JobStateFailed, job.State)
	assert.Contains(t, job.Message, "shutting down")
}
