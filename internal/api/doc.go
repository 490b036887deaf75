// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/scrape (multipart CSV) and POST /api/jobs (JSON) for submission.
//   - GET /api/jobs, /api/jobs/{id}, /api/jobs/{id}/products and
//     /api/jobs/{id}/logs for the read-only query surface.
//   - POST /api/jobs/{id}/cancel to stop a job.
//   - POST /api/webhook for externally reported job outcomes.
package api
