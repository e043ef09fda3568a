package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
)

func TestPlanZones(t *testing.T) {
	t.Parallel()

	exports := Plan(geoexport.JobParameters{StartYear: 2021, EndYear: 2023, Zones: 5, Scale: 10})
	require.Len(t, exports, 1)
	e := exports[0]
	assert.Equal(t, "zones_k5_2021_2023", e.Name)
	assert.Equal(t, "zones/zones_k5_2021_2023", e.Prefix)
	assert.Equal(t, "zones", e.Folder())
	assert.Equal(t, 5, e.Zones)
	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), e.Start)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), e.End)
}

func TestPlanIndices(t *testing.T) {
	t.Parallel()

	exports := Plan(geoexport.JobParameters{StartYear: 2023, EndYear: 2024, Indices: []string{"ndvi", "NBR"}, Scale: 10})
	require.Len(t, exports, 2*2*12)

	first := exports[0]
	assert.Equal(t, "NDVI_2023_01", first.Name)
	assert.Equal(t, "NDVI/NDVI_2023_01", first.Prefix)
	assert.Equal(t, "NDVI", first.Index)
	assert.Equal(t, "NDVI", first.Folder())
	assert.Equal(t, time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), first.End)

	dec := exports[11]
	assert.Equal(t, "NDVI_2023_12", dec.Name)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), dec.End)

	last := exports[len(exports)-1]
	assert.Equal(t, "NBR/NBR_2024_12", last.Prefix)

	names := map[string]bool{}
	for _, e := range exports {
		assert.False(t, names[e.Name], "duplicate export %s", e.Name)
		names[e.Name] = true
	}
}

func TestFolderFor(t *testing.T) {
	t.Parallel()

	folder, ok := FolderFor("evi")
	assert.True(t, ok)
	assert.Equal(t, "EVI", folder)

	folder, ok = FolderFor("Zones")
	assert.True(t, ok)
	assert.Equal(t, "zones", folder)

	_, ok = FolderFor("LAI")
	assert.False(t, ok)
}
