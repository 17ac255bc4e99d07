// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scrapes to submit a page and GET /v1/scrapes/{task_id} to read it back.
//   - GET /v1/engine/stats and /v1/engine/domains for execution engine state.
package api
