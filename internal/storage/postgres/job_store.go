// Package postgres provides a Postgres-backed job store shared by the API and
// worker processes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
)

const defaultTable = "export_jobs"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for job rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore persists jobs in a single table. Every state change is one
// conditional UPDATE, so concurrent transitions never interleave.
type JobStore struct {
	pool  pool
	table string
}

// NewJobStore connects to Postgres using the provided config.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("job_store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewJobStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the jobs table and its retention index if missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	job_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	namespace TEXT NOT NULL,
	boundary_digest TEXT NOT NULL DEFAULT '',
	parameters JSONB NOT NULL
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_state_updated_idx ON %s (state, updated_at)`, s.table, s.table),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// CreateJob inserts a job row.
func (s *JobStore) CreateJob(ctx context.Context, job geoexport.Job) error {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (job_id, state, message, created_at, updated_at, namespace, boundary_digest, parameters)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (job_id) DO NOTHING`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		job.ID,
		string(job.State),
		job.Message,
		job.Created,
		job.Updated,
		job.Namespace,
		job.BoundaryDigest,
		params,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert job %s: %w", job.ID, geoexport.ErrJobExists)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (geoexport.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE job_id = $1`, jobColumns, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return geoexport.Job{}, fmt.Errorf("get job %s: %w", jobID, geoexport.ErrUnknownJob)
	}
	if err != nil {
		return geoexport.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// TransitionJob applies the state change only if the current state allows it.
func (s *JobStore) TransitionJob(
	ctx context.Context,
	jobID string,
	to geoexport.JobState,
	message string,
	at time.Time,
) (geoexport.Job, error) {
	query := fmt.Sprintf(`
UPDATE %s SET state = $2, message = $3, updated_at = $4
WHERE job_id = $1 AND state = ANY($5)
RETURNING %s`, s.table, jobColumns)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID, string(to), message, at, stateStrings(geoexport.AllowedFrom(to))))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return geoexport.Job{}, fmt.Errorf("transition job %s: %w", jobID, err)
	}

	current, getErr := s.GetJob(ctx, jobID)
	if getErr != nil {
		return geoexport.Job{}, fmt.Errorf("transition job %s: %w", jobID, getErr)
	}
	return current, fmt.Errorf("transition job %s from %s to %s: %w",
		jobID, current.State, to, geoexport.ErrInvalidTransition)
}

// DeleteFinishedBefore removes terminal jobs last updated before cutoff.
func (s *JobStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE state = ANY($1) AND updated_at < $2`, s.table)
	terminal := []string{string(geoexport.JobStateSucceeded), string(geoexport.JobStateFailed)}
	tag, err := s.pool.Exec(ctx, query, terminal, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const jobColumns = "job_id, state, message, created_at, updated_at, namespace, boundary_digest, parameters"

func scanJob(row pgx.Row) (geoexport.Job, error) {
	var (
		job    geoexport.Job
		state  string
		params []byte
	)
	if err := row.Scan(
		&job.ID,
		&state,
		&job.Message,
		&job.Created,
		&job.Updated,
		&job.Namespace,
		&job.BoundaryDigest,
		&params,
	); err != nil {
		return geoexport.Job{}, err
	}
	parsed, err := geoexport.ParseJobState(state)
	if err != nil {
		return geoexport.Job{}, err
	}
	job.State = parsed
	if err := json.Unmarshal(params, &job.Parameters); err != nil {
		return geoexport.Job{}, fmt.Errorf("decode parameters: %w", err)
	}
	job.Created = job.Created.UTC()
	job.Updated = job.Updated.UTC()
	return job, nil
}

func stateStrings(states []geoexport.JobState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
