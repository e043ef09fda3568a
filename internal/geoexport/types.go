// Package geoexport defines the core types shared across the exporter
// subsystems: jobs and their lifecycle, export parameters, boundaries and the
// tasks handed from the dispatcher to workers.
package geoexport

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// JobState represents the lifecycle state of an export job.
type JobState string

// Job states persisted in the job store.
const (
	JobStateQueued    JobState = "QUEUED"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
)

var allowedTransitions = map[JobState][]JobState{
	JobStateRunning:   {JobStateQueued},
	JobStateSucceeded: {JobStateRunning},
	JobStateFailed:    {JobStateQueued, JobStateRunning},
}

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// Valid reports whether s is one of the known states.
func (s JobState) Valid() bool {
	switch s {
	case JobStateQueued, JobStateRunning, JobStateSucceeded, JobStateFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the edge s -> to is part of the lifecycle.
func (s JobState) CanTransition(to JobState) bool {
	for _, from := range allowedTransitions[to] {
		if from == s {
			return true
		}
	}
	return false
}

// AllowedFrom lists the states a job may be in to move into to. Stores that
// apply transitions server side use it to build their conditional update.
func AllowedFrom(to JobState) []JobState {
	from := allowedTransitions[to]
	out := make([]JobState, len(from))
	copy(out, from)
	return out
}

// ParseJobState converts a stored string into a JobState.
func ParseJobState(raw string) (JobState, error) {
	state := JobState(strings.ToUpper(strings.TrimSpace(raw)))
	if !state.Valid() {
		return "", fmt.Errorf("unknown job state %q", raw)
	}
	return state, nil
}

// Mode distinguishes the two export products.
type Mode string

// Export modes.
const (
	ModeIndices Mode = "indices"
	ModeZones   Mode = "zones"
)

// JobParameters captures the export knobs requested by the client.
type JobParameters struct {
	StartYear      int      `json:"start_year"`
	EndYear        int      `json:"end_year"`
	Zones          int      `json:"k,omitempty"`
	Indices        []string `json:"indices,omitempty"`
	ExcludeClasses []int    `json:"excluded_worldcover_classes,omitempty"`
	Scale          int      `json:"scale"`
}

// Mode reports which product the parameters request.
func (p JobParameters) Mode() Mode {
	if p.Zones > 0 {
		return ModeZones
	}
	return ModeIndices
}

// Job represents the record persisted for each submitted export.
type Job struct {
	ID             string        `json:"job_id"`
	State          JobState      `json:"state"`
	Message        string        `json:"message"`
	Created        time.Time     `json:"created_at"`
	Updated        time.Time     `json:"updated_at"`
	Parameters     JobParameters `json:"parameters"`
	Namespace      string        `json:"namespace"`
	BoundaryDigest string        `json:"boundary_digest,omitempty"`
}

// Boundary is a normalized area of interest in WGS84 longitude/latitude.
type Boundary struct {
	Geometry orb.MultiPolygon
	Digest   string
}

type boundaryJSON struct {
	Geometry *geojson.Geometry `json:"geometry"`
	Digest   string            `json:"digest,omitempty"`
}

// MarshalJSON encodes the geometry as GeoJSON so queued tasks stay readable.
func (b Boundary) MarshalJSON() ([]byte, error) {
	return json.Marshal(boundaryJSON{
		Geometry: geojson.NewGeometry(b.Geometry),
		Digest:   b.Digest,
	})
}

// UnmarshalJSON decodes the GeoJSON produced by MarshalJSON.
func (b *Boundary) UnmarshalJSON(data []byte) error {
	var raw boundaryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode boundary: %w", err)
	}
	b.Digest = raw.Digest
	b.Geometry = nil
	if raw.Geometry == nil {
		return nil
	}
	switch g := raw.Geometry.Geometry().(type) {
	case orb.MultiPolygon:
		b.Geometry = g
	case orb.Polygon:
		b.Geometry = orb.MultiPolygon{g}
	default:
		return fmt.Errorf("decode boundary: unexpected geometry %s", raw.Geometry.Type)
	}
	return nil
}

// Task is the unit of work handed from the dispatcher to a worker.
type Task struct {
	JobID     string        `json:"job_id"`
	Namespace string        `json:"namespace"`
	Boundary  Boundary      `json:"boundary"`
	Params    JobParameters `json:"params"`
	Attempt   int           `json:"attempt"`
	Submitted int64         `json:"submitted"`
	// TraceContext carries the submitting request's trace across queues.
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

// ObjectInfo describes one object under a job namespace.
type ObjectInfo struct {
	Path    string
	Size    int64
	Updated time.Time
}
