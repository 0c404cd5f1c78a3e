// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - POST /v1/events/extract (alias /parse) accepts an async task and
//     answers 202 with its request_id; the outcome is POSTed to callback_url.
//   - POST /v1/events/extract/sync (alias /scrape) runs the pipeline inline.
//   - POST /v1/events/image runs image-only extraction inline.
//   - GET /v1/tasks/{request_id} reports task state.
//   - GET /health lists configured orgs without credentials.
//   - GET /healthz, /readyz for probes and /metrics for Prometheus.
package api
