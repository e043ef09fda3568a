package geoexport

import (
	"context"
	"io"
	"time"
)

// JobStore persists job records. TransitionJob must apply the state check
// and the write as one atomic step.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	TransitionJob(ctx context.Context, jobID string, to JobState, message string, at time.Time) (Job, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// BlobStore reads and writes objects in the remote object store.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	ListObjects(ctx context.Context, prefix string) ObjectIterator
	OpenObject(ctx context.Context, path string) (io.ReadCloser, error)
}

// ObjectIterator walks a listing page by page. Next returns ErrIteratorDone
// once the listing is exhausted.
type ObjectIterator interface {
	Next() (ObjectInfo, error)
}

// Queue provides enqueue/dequeue semantics for export tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// Pipeline runs the remote computation for a task and returns the paths of
// every object it produced under the task namespace.
type Pipeline interface {
	Run(ctx context.Context, task Task) ([]string, error)
}

// Hasher computes digests for boundary fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
