package geoexport

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStateTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to JobState
		ok       bool
	}{
		{JobStateQueued, JobStateRunning, true},
		{JobStateQueued, JobStateFailed, true},
		{JobStateRunning, JobStateSucceeded, true},
		{JobStateRunning, JobStateFailed, true},
		{JobStateQueued, JobStateSucceeded, false},
		{JobStateRunning, JobStateRunning, false},
		{JobStateRunning, JobStateQueued, false},
		{JobStateSucceeded, JobStateFailed, false},
		{JobStateFailed, JobStateRunning, false},
		{JobStateSucceeded, JobStateSucceeded, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.True(t, JobStateFailed.Terminal())
	assert.False(t, JobStateRunning.Terminal())
	assert.ElementsMatch(t, []JobState{JobStateQueued, JobStateRunning}, AllowedFrom(JobStateFailed))
}

func TestParseJobState(t *testing.T) {
	t.Parallel()

	state, err := ParseJobState("succeeded")
	require.NoError(t, err)
	assert.Equal(t, JobStateSucceeded, state)

	_, err = ParseJobState("paused")
	require.Error(t, err)
}

func TestBoundaryJSONRoundTrip(t *testing.T) {
	t.Parallel()

	ring := orb.Ring{{1, 1}, {2, 1}, {2, 2}, {1, 1}}
	task := Task{
		JobID:     "job-1",
		Namespace: "exports/job-1/",
		Boundary:  Boundary{Geometry: orb.MultiPolygon{{ring}}, Digest: "abc"},
		Params:    JobParameters{StartYear: 2020, EndYear: 2021, Zones: 5, Scale: 10},
	}
	data, err := json.Marshal(task)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"MultiPolygon"`)

	var decoded Task
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, task.Boundary.Digest, decoded.Boundary.Digest)
	require.Len(t, decoded.Boundary.Geometry, 1)
	assert.Equal(t, ring, decoded.Boundary.Geometry[0][0])
	assert.Equal(t, ModeZones, decoded.Params.Mode())
}

func TestParametersValidate(t *testing.T) {
	t.Parallel()

	base := JobParameters{StartYear: 2019, EndYear: 2020, Indices: []string{"NDVI"}, Scale: 10}
	require.NoError(t, base.Validate(2017, 2026))

	tests := []struct {
		name  string
		field string
		edit  func(p *JobParameters)
	}{
		{"start after end", "start_year", func(p *JobParameters) { p.StartYear = 2021 }},
		{"year too old", "start_year", func(p *JobParameters) { p.StartYear = 2010 }},
		{"future year", "end_year", func(p *JobParameters) { p.EndYear = 2030 }},
		{"both modes", "k", func(p *JobParameters) { p.Zones = 4 }},
		{"k too large", "k", func(p *JobParameters) { p.Indices = nil; p.Zones = 50 }},
		{"unknown index", "indices", func(p *JobParameters) { p.Indices = []string{"XYZ"} }},
		{"no product", "indices", func(p *JobParameters) { p.Indices = nil }},
		{"bad class", "exclude_classes", func(p *JobParameters) { p.ExcludeClasses = []int{11} }},
		{"bad scale", "scale", func(p *JobParameters) { p.Scale = 5 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			params := base
			params.Indices = append([]string(nil), base.Indices...)
			tc.edit(&params)
			err := params.Validate(2017, 2026)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}
