// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sources/{key}/start, /resume, /stop and GET /v1/sources/{key}/status
//     drive crawl runs through the Controller interface.
//   - GET /v1/items and /v1/items/lookup query stored records.
//   - GET /v1/changes renders the change log as JSON or CSV.
//
// Routes under /v1 require an X-API-Key header when keys are configured.
package api
