// Package pipeline plans the raster exports a job produces. Adapters in the
// subpackages execute the plan against a backend.
package pipeline

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
)

// ZonesFolder holds the k-means zone raster.
const ZonesFolder = "zones"

// Export is one raster the pipeline writes under the job namespace.
type Export struct {
	// Name is unique within a job and safe to use as a task description.
	Name string
	// Prefix is the object path relative to the namespace, without the
	// extension the backend appends.
	Prefix string
	Index  string
	Zones  int
	// Start is inclusive, End exclusive.
	Start time.Time
	End   time.Time
}

// Folder returns the top-level folder of the export inside the namespace.
func (e Export) Folder() string {
	folder, _, _ := strings.Cut(e.Prefix, "/")
	return folder
}

// Plan expands parameters into the full list of exports in a stable
// order: per index, then year, then month.
func Plan(params geoexport.JobParameters) []Export {
	if params.Mode() == geoexport.ModeZones {
		name := fmt.Sprintf("zones_k%d_%d_%d", params.Zones, params.StartYear, params.EndYear)
		return []Export{{
			Name:   name,
			Prefix: path.Join(ZonesFolder, name),
			Zones:  params.Zones,
			Start:  time.Date(params.StartYear, time.January, 1, 0, 0, 0, 0, time.UTC),
			End:    time.Date(params.EndYear+1, time.January, 1, 0, 0, 0, 0, time.UTC),
		}}
	}

	var exports []Export
	for _, raw := range params.Indices {
		index, ok := geoexport.LookupIndex(raw)
		if !ok {
			continue
		}
		for year := params.StartYear; year <= params.EndYear; year++ {
			for month := time.January; month <= time.December; month++ {
				name := fmt.Sprintf("%s_%04d_%02d", index, year, int(month))
				start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
				exports = append(exports, Export{
					Name:   name,
					Prefix: path.Join(index, name),
					Index:  index,
					Start:  start,
					End:    start.AddDate(0, 1, 0),
				})
			}
		}
	}
	return exports
}

// FolderFor maps an index name to its folder in the namespace. It returns
// false for unknown indices.
func FolderFor(index string) (string, bool) {
	if strings.EqualFold(strings.TrimSpace(index), ZonesFolder) {
		return ZonesFolder, true
	}
	return geoexport.LookupIndex(index)
}
