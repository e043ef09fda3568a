// Package api hosts the HTTP server, middleware and handlers for the
// exporter. Notable routes:
//   - POST /start accepts a boundary upload and returns a job id.
//   - GET /status and /download-zip report on and stream a job.
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
