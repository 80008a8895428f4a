// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs and /v1/runs/{id}/cancel|pause|resume to drive crawl runs.
//   - GET /v1/runs/{id}/events for a newline-delimited JSON progress stream.
//   - GET /v1/entities (optionally ?source_kind=), /v1/compare and /v1/raw to read the catalog.
//   - GET /v1/stats for entity counts per source kind.
package api
