package dryrun

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
	"github.com/JakeFAU/s2-index-exporter/internal/storage/memory"
)

func testTask(params geoexport.JobParameters) geoexport.Task {
	return geoexport.Task{
		JobID:     "job-1",
		Namespace: "exports/job-1/",
		Boundary: geoexport.Boundary{
			Geometry: orb.MultiPolygon{{{{10, 50}, {11, 50}, {11, 51}, {10, 51}, {10, 50}}}},
			Digest:   "abc",
		},
		Params: params,
	}
}

func TestRunZones(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	p := New(blobs, Config{}, nil)
	paths, err := p.Run(context.Background(), testTask(geoexport.JobParameters{StartYear: 2022, EndYear: 2023, Zones: 5, Scale: 20}))
	require.NoError(t, err)
	require.Equal(t, []string{"exports/job-1/zones/zones_k5_2022_2023.json"}, paths)

	rc, err := blobs.OpenObject(context.Background(), paths[0])
	require.NoError(t, err)
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "zones_k5_2022_2023", got["export"])
	assert.EqualValues(t, 5, got["k"])
	assert.EqualValues(t, 20, got["scale"])
	assert.Equal(t, "abc", got["boundary_digest"])
	assert.Equal(t, []any{10.0, 50.0, 11.0, 51.0}, got["bbox"])
}

func TestRunIndices(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	p := New(blobs, Config{}, nil)
	paths, err := p.Run(context.Background(), testTask(geoexport.JobParameters{StartYear: 2024, EndYear: 2024, Indices: []string{"NDVI", "EVI"}, Scale: 10}))
	require.NoError(t, err)
	require.Len(t, paths, 24)
	assert.Equal(t, "exports/job-1/NDVI/NDVI_2024_01.json", paths[0])
	assert.Equal(t, "exports/job-1/EVI/EVI_2024_12.json", paths[23])

	it := blobs.ListObjects(context.Background(), "exports/job-1/")
	count := 0
	for {
		_, err := it.Next()
		if errors.Is(err, geoexport.ErrIteratorDone) {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 24, count)
}

func TestRunCanceledDuringDelay(t *testing.T) {
	t.Parallel()

	p := New(memory.NewBlobStore(), Config{Delay: time.Minute}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Run(ctx, testTask(geoexport.JobParameters{StartYear: 2024, EndYear: 2024, Zones: 3, Scale: 10}))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
