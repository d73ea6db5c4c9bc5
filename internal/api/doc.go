// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs, /v1/runs/{run_id} and /v1/runs/{run_id}/items for run
//     history via the store.RunRepository interface.
package api
