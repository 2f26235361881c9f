// Package api hosts the HTTP control plane. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/sources for source CRUD and POST /v1/sources/{id}/sweeps to
//     enqueue a sweep.
//   - /v1/runs for run history and POST /v1/runs/{id}/pause|resume|cancel.
//   - /v1/blocks, GET /v1/media/{key}/url and GET /v1/stats for reads.
package api
