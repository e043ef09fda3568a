// Package archive streams the objects under a finished job's namespace as
// a single zip file.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
	"github.com/JakeFAU/s2-index-exporter/internal/metrics"
	"github.com/JakeFAU/s2-index-exporter/internal/pipeline"
)

// ErrNoIndexOutputs is returned when an index filter matches no objects in
// an otherwise complete job.
var ErrNoIndexOutputs = errors.New("no outputs for index")

// Jobs reads job snapshots.
type Jobs interface {
	Get(ctx context.Context, jobID string) (geoexport.Job, error)
}

// Config controls archive streaming.
type Config struct {
	// Prefetch is how many objects are opened ahead of the one being
	// compressed.
	Prefetch int
}

// Streamer opens archives for finished jobs.
type Streamer struct {
	jobs   Jobs
	blobs  geoexport.BlobStore
	cfg    Config
	logger *zap.Logger
}

// New constructs a Streamer.
func New(jobs Jobs, blobs geoexport.BlobStore, cfg Config, logger *zap.Logger) *Streamer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Streamer{jobs: jobs, blobs: blobs, cfg: cfg, logger: logger}
}

// Open checks that the job can be downloaded and that at least one object
// exists, so every error is known before the first byte is written. index
// optionally restricts the archive to one index folder.
func (s *Streamer) Open(ctx context.Context, jobID, index string) (*Archive, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != geoexport.JobStateSucceeded {
		return nil, fmt.Errorf("job %s is %s: %w", job.ID, job.State, geoexport.ErrJobNotReady)
	}

	prefix := job.Namespace
	name := job.ID
	if index != "" {
		folder, ok := pipeline.FolderFor(index)
		if !ok {
			return nil, geoexport.Invalid("index", "unknown index %q", index)
		}
		prefix += folder + "/"
		name += "_" + folder
	}

	it := s.blobs.ListObjects(ctx, prefix)
	first, err := it.Next()
	switch {
	case errors.Is(err, geoexport.ErrIteratorDone) && index != "":
		return nil, fmt.Errorf("job %s: %w %s", job.ID, ErrNoIndexOutputs, index)
	case errors.Is(err, geoexport.ErrIteratorDone):
		return nil, fmt.Errorf("job %s namespace %s is empty: %w", job.ID, job.Namespace, geoexport.ErrNoOutputs)
	case err != nil:
		return nil, fmt.Errorf("list outputs: %w", err)
	}

	return &Archive{
		ctx:       ctx,
		blobs:     s.blobs,
		namespace: job.Namespace,
		filename:  name + ".zip",
		first:     first,
		it:        it,
		prefetch:  s.cfg.Prefetch,
		logger:    s.logger.With(zap.String("job_id", job.ID)),
	}, nil
}

// Summary counts the objects under a job namespace.
type Summary struct {
	FilesFound int
	// ByFolder counts objects per top-level folder, one per index or
	// "zones".
	ByFolder map[string]int
}

// Summarize walks the job namespace and counts its objects.
func (s *Streamer) Summarize(ctx context.Context, job geoexport.Job) (Summary, error) {
	sum := Summary{ByFolder: map[string]int{}}
	it := s.blobs.ListObjects(ctx, job.Namespace)
	for {
		obj, err := it.Next()
		if errors.Is(err, geoexport.ErrIteratorDone) {
			return sum, nil
		}
		if err != nil {
			return Summary{}, fmt.Errorf("list outputs for %s: %w", job.ID, err)
		}
		sum.FilesFound++
		rel := strings.TrimPrefix(obj.Path, job.Namespace)
		if folder, _, ok := strings.Cut(rel, "/"); ok && folder != "" {
			sum.ByFolder[folder]++
		}
	}
}

// Archive is a single-use zip stream over one job's objects.
type Archive struct {
	ctx       context.Context
	blobs     geoexport.BlobStore
	namespace string
	filename  string
	first     geoexport.ObjectInfo
	it        geoexport.ObjectIterator
	prefetch  int
	logger    *zap.Logger
}

// Filename suggests a download name for the archive.
func (a *Archive) Filename() string {
	return a.filename
}

// WriteTo writes the zip to w. Entries follow listing order and are named
// relative to the job namespace. On error the zip is left unterminated so
// a truncated download cannot pass as complete.
func (a *Archive) WriteTo(w io.Writer) (int64, error) {
	ctx, cancel := context.WithCancel(a.ctx)
	defer cancel()

	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	futures := make(chan *future, a.prefetch)

	var g errgroup.Group
	g.Go(func() error {
		defer close(futures)
		return a.produce(ctx, futures)
	})

	var (
		writeErr error
		entries  int
	)
	for f := range futures {
		if writeErr != nil {
			f.discard()
			continue
		}
		if err := a.writeEntry(zw, f); err != nil {
			writeErr = err
			cancel()
			continue
		}
		entries++
	}
	if err := g.Wait(); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		return cw.n, writeErr
	}
	if err := zw.Close(); err != nil {
		return cw.n, fmt.Errorf("finish zip: %w", err)
	}
	a.logger.Info("archive streamed", zap.Int("entries", entries), zap.Int64("bytes", cw.n))
	return cw.n, nil
}

// produce starts opening objects in listing order, keeping at most
// prefetch of them ahead of the writer.
func (a *Archive) produce(ctx context.Context, futures chan<- *future) error {
	info := a.first
	for {
		f := &future{info: info, done: make(chan struct{})}
		go f.open(ctx, a.blobs)
		select {
		case futures <- f:
		case <-ctx.Done():
			f.discard()
			return fmt.Errorf("archive canceled: %w", ctx.Err())
		}

		next, err := a.it.Next()
		if errors.Is(err, geoexport.ErrIteratorDone) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list outputs: %w", err)
		}
		info = next
	}
}

func (a *Archive) writeEntry(zw *zip.Writer, f *future) error {
	<-f.done
	if f.err != nil {
		return f.err
	}
	defer f.rc.Close()

	header := &zip.FileHeader{
		Name:     strings.TrimPrefix(f.info.Path, a.namespace),
		Method:   zip.Deflate,
		Modified: f.info.Updated,
	}
	entry, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", header.Name, err)
	}
	n, err := io.Copy(entry, f.rc)
	if err != nil {
		return fmt.Errorf("copy %s: %w", f.info.Path, err)
	}
	metrics.ObserveArchiveObject(n)
	return nil
}

// future is an object being opened ahead of the writer.
type future struct {
	info geoexport.ObjectInfo
	done chan struct{}
	rc   io.ReadCloser
	err  error
}

func (f *future) open(ctx context.Context, blobs geoexport.BlobStore) {
	defer close(f.done)
	rc, err := blobs.OpenObject(ctx, f.info.Path)
	if err != nil {
		f.err = fmt.Errorf("open %s: %w", f.info.Path, err)
		return
	}
	f.rc = rc
}

func (f *future) discard() {
	<-f.done
	if f.rc != nil {
		_ = f.rc.Close()
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
