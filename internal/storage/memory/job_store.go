package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
)

// JobStore provides an in-memory job store for single-process deployments.
// Records are stored by value, so readers always get a complete snapshot.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]geoexport.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]geoexport.Job),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job geoexport.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, geoexport.ErrJobExists)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (geoexport.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return geoexport.Job{}, fmt.Errorf("get job %s: %w", jobID, geoexport.ErrUnknownJob)
	}
	return job, nil
}

// TransitionJob moves a job to a new state under the write lock.
func (s *JobStore) TransitionJob(
	_ context.Context,
	jobID string,
	to geoexport.JobState,
	message string,
	at time.Time,
) (geoexport.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return geoexport.Job{}, fmt.Errorf("transition job %s: %w", jobID, geoexport.ErrUnknownJob)
	}
	if !job.State.CanTransition(to) {
		return job, fmt.Errorf("transition job %s from %s to %s: %w",
			jobID, job.State, to, geoexport.ErrInvalidTransition)
	}
	job.State = to
	job.Message = message
	job.Updated = at
	s.jobs[jobID] = job
	return job, nil
}

// DeleteFinishedBefore evicts terminal jobs last updated before cutoff.
func (s *JobStore) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.State.Terminal() && job.Updated.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}
