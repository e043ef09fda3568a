// Package main hosts the exporter API entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts boundary uploads on POST /start, normalizes them to a WGS84
//     multi-polygon, validates the export parameters and hands the job to the dispatcher. GET /status and
//     GET /download-zip read the job registry and stream finished exports as one zip.
//   - Dispatcher: with no external queue, jobs flow through a bounded in-memory queue to a fixed worker pool
//     sized by dispatch.workers. With queue.backend redis or pubsub, tasks are published for exporter-worker
//     processes instead and this process only serves HTTP. Either way Submit never blocks on capacity; an
//     admission backlog retries delivery with exponential backoff.
//   - Pipeline: workers claim a job (QUEUED to RUNNING), run the Earth Engine adapter (or the dry-run adapter
//     when no project is configured) under pipeline.job_timeout_minutes, and record SUCCEEDED or FAILED.
//   - Persistence: job records live in memory, Redis or Postgres; exports land in GCS, a local directory or
//     memory under <storage.prefix>/<job_id>/.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging;
//     Prometheus metrics are exported via the metrics middleware and /metrics handler.
//
// Quick checklist:
//   - Configure env vars: EE_PROJECT, GOOGLE_APPLICATION_CREDENTIALS_JSON, GCS_BUCKET, PUBLIC_BASE_URL and
//     optionally REDIS_URL (or the EXPORTER_* equivalents).
//   - Run locally: go run ./cmd/exporter -config config.yaml (or rely solely on env overrides). With nothing
//     configured the service uses memory stores and the dry-run pipeline.
//   - Cloud Run: the container listens on PORT and shuts down cleanly on SIGTERM. Jobs that never started are
//     marked FAILED so no record stays QUEUED.
package main
