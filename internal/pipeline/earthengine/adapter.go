// Package earthengine runs export plans on Google Earth Engine. Each
// planned raster becomes one image export to Cloud Storage under the job
// namespace.
package earthengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	ee "google.golang.org/api/earthengine/v1"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
	"github.com/JakeFAU/s2-index-exporter/internal/metrics"
	"github.com/JakeFAU/s2-index-exporter/internal/pipeline"
)

const fileFormat = "GEO_TIFF"

// maxReportedFailures bounds how many export errors the job message lists.
const maxReportedFailures = 3

var errNotDone = errors.New("operation not done")

// Limiter throttles export submissions.
type Limiter interface {
	Wait(ctx context.Context, scope string) error
}

// Config controls the Earth Engine adapter.
type Config struct {
	Project         string
	Bucket          string
	MaxConcurrent   int
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	MaxPixels       int64
}

// Pipeline submits and tracks Earth Engine exports.
type Pipeline struct {
	svc     *ee.Service
	blobs   geoexport.BlobStore
	limiter Limiter
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Pipeline. blobs must read the bucket exports land in.
func New(svc *ee.Service, blobs geoexport.BlobStore, limiter Limiter, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	if svc == nil {
		return nil, errors.New("earth engine service is required")
	}
	if cfg.Project == "" {
		return nil, errors.New("earth engine project is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("export bucket is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = max(time.Minute, cfg.PollInterval)
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = 1e10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Pipeline{svc: svc, blobs: blobs, limiter: limiter, cfg: cfg, logger: logger}, nil
}

// Run exports every planned raster for the task and returns the object
// paths written. Any failed export fails the whole run.
func (p *Pipeline) Run(ctx context.Context, task geoexport.Task) ([]string, error) {
	exports := pipeline.Plan(task.Params)
	if len(exports) == 0 {
		return nil, fmt.Errorf("%w: no exports planned", geoexport.ErrPipelineFailure)
	}
	if len(task.Boundary.Geometry) == 0 {
		return nil, fmt.Errorf("%w: task has no boundary", geoexport.ErrPipelineFailure)
	}

	grid := &ee.PixelGrid{
		CrsCode: UTMCode(task.Boundary.Geometry),
		AffineTransform: &ee.AffineTransform{
			ScaleX: float64(task.Params.Scale),
			ScaleY: -float64(task.Params.Scale),
		},
	}
	requests := make([]*ee.ExportImageRequest, 0, len(exports))
	for _, export := range exports {
		r := newRecipe(task.Boundary.Geometry, task.Params)
		root, err := r.build(export)
		if err != nil {
			return nil, fmt.Errorf("%w: build %s: %w", geoexport.ErrPipelineFailure, export.Name, err)
		}
		expr, err := r.g.expression(root)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", geoexport.ErrPipelineFailure, err)
		}
		requests = append(requests, &ee.ExportImageRequest{
			Description: description(task.JobID, export),
			Expression:  expr,
			Grid:        grid,
			MaxPixels:   p.cfg.MaxPixels,
			FileExportOptions: &ee.ImageFileExportOptions{
				FileFormat: fileFormat,
				CloudStorageDestination: &ee.CloudStorageDestination{
					Bucket:         p.cfg.Bucket,
					FilenamePrefix: task.Namespace + export.Prefix,
				},
			},
		})
	}

	p.logger.Info("submitting exports",
		zap.String("job_id", task.JobID),
		zap.Int("exports", len(exports)),
		zap.String("crs", grid.CrsCode),
	)

	var (
		mu       sync.Mutex
		failures []string
		g        errgroup.Group
	)
	g.SetLimit(p.cfg.MaxConcurrent)
	for i, export := range exports {
		req := requests[i]
		g.Go(func() error {
			if err := p.export(ctx, req); err != nil {
				metrics.ObserveExport("failed")
				p.logger.Warn("export failed",
					zap.String("job_id", task.JobID),
					zap.String("export", export.Name),
					zap.Error(err),
				)
				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", export.Name, err))
				mu.Unlock()
				return nil
			}
			metrics.ObserveExport("succeeded")
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", geoexport.ErrPipelineFailure, err)
	}
	if len(failures) > 0 {
		return nil, summarize(failures, len(exports))
	}
	return p.collect(ctx, task.Namespace, exports)
}

func (p *Pipeline) export(ctx context.Context, req *ee.ExportImageRequest) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, "earthengine:"+p.cfg.Project); err != nil {
			return err
		}
	}
	op, err := p.svc.Projects.Image.Export("projects/"+p.cfg.Project, req).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return p.wait(ctx, op)
}

// wait polls an operation until it finishes.
func (p *Pipeline) wait(ctx context.Context, op *ee.Operation) error {
	if op.Done {
		return operationError(op)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.PollInterval
	policy.MaxInterval = p.cfg.MaxPollInterval
	policy.MaxElapsedTime = 0

	name := op.Name
	poll := func() error {
		current, err := p.svc.Projects.Operations.Get(name).Context(ctx).Do()
		if err != nil {
			if permanentAPIError(err) {
				return backoff.Permanent(fmt.Errorf("poll %s: %w", name, err))
			}
			return fmt.Errorf("poll %s: %w", name, err)
		}
		if !current.Done {
			return errNotDone
		}
		if err := operationError(current); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(poll, backoff.WithContext(policy, ctx)); err != nil {
		return err
	}
	return nil
}

// collect lists the namespace and checks that every export produced at
// least one object. Large rasters are split into tiles sharing the prefix.
func (p *Pipeline) collect(ctx context.Context, namespace string, exports []pipeline.Export) ([]string, error) {
	produced := make(map[string]int, len(exports))
	var paths []string
	it := p.blobs.ListObjects(ctx, namespace)
	for {
		obj, err := it.Next()
		if errors.Is(err, geoexport.ErrIteratorDone) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: list outputs: %w", geoexport.ErrPipelineFailure, err)
		}
		paths = append(paths, obj.Path)
		rel := strings.TrimPrefix(obj.Path, namespace)
		for _, export := range exports {
			if strings.HasPrefix(rel, export.Prefix) {
				produced[export.Name]++
			}
		}
	}

	var missing []string
	for _, export := range exports {
		if produced[export.Name] == 0 {
			missing = append(missing, export.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %d of %d exports produced no objects: %s",
			geoexport.ErrPipelineFailure, len(missing), len(exports), strings.Join(truncateList(missing), ", "))
	}
	return paths, nil
}

func operationError(op *ee.Operation) error {
	if op.Error == nil {
		return nil
	}
	return fmt.Errorf("export %s failed: %s", op.Name, op.Error.Message)
}

func permanentAPIError(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
}

func summarize(failures []string, total int) error {
	sort.Strings(failures)
	return fmt.Errorf("%w: %d of %d exports failed: %s",
		geoexport.ErrPipelineFailure, len(failures), total, strings.Join(truncateList(failures), "; "))
}

func truncateList(items []string) []string {
	if len(items) <= maxReportedFailures {
		return items
	}
	out := append([]string(nil), items[:maxReportedFailures]...)
	return append(out, fmt.Sprintf("and %d more", len(items)-maxReportedFailures))
}

// description is shown in the Earth Engine task list, which caps it at
// 100 characters.
func description(jobID string, export pipeline.Export) string {
	d := "s2x_" + export.Name + "_" + jobID
	if len(d) > 100 {
		d = d[:100]
	}
	return d
}
