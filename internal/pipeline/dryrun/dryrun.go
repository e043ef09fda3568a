// Package dryrun provides a pipeline that writes one JSON manifest per
// planned export instead of calling a remote service. It backs local
// development and end-to-end tests.
package dryrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
	"github.com/JakeFAU/s2-index-exporter/internal/pipeline"
)

// Config controls the dry-run pipeline.
type Config struct {
	// Delay simulates remote processing time per job.
	Delay time.Duration
}

// Pipeline writes export manifests to a blob store.
type Pipeline struct {
	blobs  geoexport.BlobStore
	cfg    Config
	logger *zap.Logger
}

// New constructs a Pipeline.
func New(blobs geoexport.BlobStore, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{blobs: blobs, cfg: cfg, logger: logger}
}

type manifest struct {
	JobID          string     `json:"job_id"`
	Export         string     `json:"export"`
	Index          string     `json:"index,omitempty"`
	Zones          int        `json:"k,omitempty"`
	Start          time.Time  `json:"start"`
	End            time.Time  `json:"end"`
	Scale          int        `json:"scale"`
	ExcludeClasses []int      `json:"excluded_worldcover_classes,omitempty"`
	BoundaryDigest string     `json:"boundary_digest"`
	Bounds         [4]float64 `json:"bbox"`
}

// Run writes the manifests and returns their object paths.
func (p *Pipeline) Run(ctx context.Context, task geoexport.Task) ([]string, error) {
	if p.cfg.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dry run canceled: %w", ctx.Err())
		case <-time.After(p.cfg.Delay):
		}
	}

	bound := task.Boundary.Geometry.Bound()
	exports := pipeline.Plan(task.Params)
	paths := make([]string, 0, len(exports))
	for _, export := range exports {
		body, err := json.MarshalIndent(manifest{
			JobID:          task.JobID,
			Export:         export.Name,
			Index:          export.Index,
			Zones:          export.Zones,
			Start:          export.Start,
			End:            export.End,
			Scale:          task.Params.Scale,
			ExcludeClasses: task.Params.ExcludeClasses,
			BoundaryDigest: task.Boundary.Digest,
			Bounds:         [4]float64{bound.Min.Lon(), bound.Min.Lat(), bound.Max.Lon(), bound.Max.Lat()},
		}, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("%w: encode manifest %s: %w", geoexport.ErrPipelineFailure, export.Name, err)
		}
		objectPath := task.Namespace + export.Prefix + ".json"
		if _, err := p.blobs.PutObject(ctx, objectPath, "application/json", bytes.NewReader(body)); err != nil {
			return nil, fmt.Errorf("%w: write %s: %w", geoexport.ErrPipelineFailure, objectPath, err)
		}
		paths = append(paths, objectPath)
	}
	p.logger.Info("dry run exports written", zap.String("job_id", task.JobID), zap.Int("objects", len(paths)))
	return paths, nil
}
