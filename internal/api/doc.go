// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs for crawl submission, POST /v1/runs/{run_id}/cancel to
//     stop the active run.
//   - GET /v1/runs and /v1/runs/{run_id} for run history lookups.
//   - GET /v1/status and /v1/history for live worker state.
package api
