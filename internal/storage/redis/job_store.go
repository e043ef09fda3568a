// Package redis provides a Redis-backed job store shared by the API and
// worker processes.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
)

const defaultKeyPrefix = "s2x:"

// Config controls key naming and expiry.
type Config struct {
	KeyPrefix string
	// Retention is applied as a key TTL once a job reaches a terminal state.
	// Zero keeps records forever.
	Retention time.Duration
}

// createScript inserts the job hash only if the key is absent.
var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// transitionScript checks the current state against the allowed sources
// (ARGV[5..]) and applies the update in the same step.
var transitionScript = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'state')
if not current then
	return {'missing'}
end
local allowed = false
for i = 5, #ARGV do
	if ARGV[i] == current then
		allowed = true
	end
end
if not allowed then
	return {'invalid', current}
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'message', ARGV[2], 'updated_at', ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
	redis.call('EXPIRE', KEYS[1], ttl)
end
local out = {'ok'}
local fields = redis.call('HGETALL', KEYS[1])
for i = 1, #fields do
	out[#out + 1] = fields[i]
end
return out
`)

// JobStore keeps one hash per job. Reads use HGETALL and writes run as Lua
// scripts, so every observation is a complete record.
type JobStore struct {
	client    goredis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewJobStore creates a JobStore over an existing client.
func NewJobStore(client goredis.UniversalClient, cfg Config) (*JobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &JobStore{client: client, prefix: prefix, retention: cfg.Retention}, nil
}

func (s *JobStore) key(jobID string) string {
	return s.prefix + "job:" + jobID
}

// CreateJob stores a new job hash.
func (s *JobStore) CreateJob(ctx context.Context, job geoexport.Job) error {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	created, err := createScript.Run(ctx, s.client, []string{s.key(job.ID)},
		"id", job.ID,
		"state", string(job.State),
		"message", job.Message,
		"created_at", formatTime(job.Created),
		"updated_at", formatTime(job.Updated),
		"namespace", job.Namespace,
		"boundary_digest", job.BoundaryDigest,
		"parameters", string(params),
	).Int()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if created == 0 {
		return fmt.Errorf("create job %s: %w", job.ID, geoexport.ErrJobExists)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (geoexport.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.key(jobID)).Result()
	if err != nil {
		return geoexport.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return geoexport.Job{}, fmt.Errorf("get job %s: %w", jobID, geoexport.ErrUnknownJob)
	}
	return decodeJob(fields)
}

// TransitionJob applies the state change atomically on the server.
func (s *JobStore) TransitionJob(
	ctx context.Context,
	jobID string,
	to geoexport.JobState,
	message string,
	at time.Time,
) (geoexport.Job, error) {
	ttl := int64(0)
	if to.Terminal() && s.retention > 0 {
		ttl = int64(s.retention / time.Second)
	}
	args := []any{string(to), message, formatTime(at), ttl}
	for _, from := range geoexport.AllowedFrom(to) {
		args = append(args, string(from))
	}

	reply, err := transitionScript.Run(ctx, s.client, []string{s.key(jobID)}, args...).StringSlice()
	if err != nil {
		return geoexport.Job{}, fmt.Errorf("transition job %s: %w", jobID, err)
	}
	switch {
	case len(reply) == 0:
		return geoexport.Job{}, fmt.Errorf("transition job %s: empty reply", jobID)
	case reply[0] == "missing":
		return geoexport.Job{}, fmt.Errorf("transition job %s: %w", jobID, geoexport.ErrUnknownJob)
	case reply[0] == "invalid":
		current := ""
		if len(reply) > 1 {
			current = reply[1]
		}
		job, getErr := s.GetJob(ctx, jobID)
		if getErr != nil {
			job = geoexport.Job{}
		}
		return job, fmt.Errorf("transition job %s from %s to %s: %w",
			jobID, current, to, geoexport.ErrInvalidTransition)
	}

	fields := make(map[string]string, (len(reply)-1)/2)
	for i := 1; i+1 < len(reply); i += 2 {
		fields[reply[i]] = reply[i+1]
	}
	return decodeJob(fields)
}

// DeleteFinishedBefore is a no-op: terminal records expire through their
// key TTL.
func (s *JobStore) DeleteFinishedBefore(context.Context, time.Time) (int, error) {
	return 0, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeJob(fields map[string]string) (geoexport.Job, error) {
	state, err := geoexport.ParseJobState(fields["state"])
	if err != nil {
		return geoexport.Job{}, err
	}
	job := geoexport.Job{
		ID:             fields["id"],
		State:          state,
		Message:        fields["message"],
		Namespace:      fields["namespace"],
		BoundaryDigest: fields["boundary_digest"],
	}
	if job.Created, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return geoexport.Job{}, fmt.Errorf("decode created_at: %w", err)
	}
	if job.Updated, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return geoexport.Job{}, fmt.Errorf("decode updated_at: %w", err)
	}
	if raw := strings.TrimSpace(fields["parameters"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Parameters); err != nil {
			return geoexport.Job{}, fmt.Errorf("decode parameters: %w", err)
		}
	}
	return job, nil
}
