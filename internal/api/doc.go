// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access to the crawl queue. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/queue/entries, /v1/queue/claim and /v1/queue/entries/{id}/end
//     for adding, claiming and finishing work.
//   - PUT /v1/domains/{domain}/rate-limit to change a domain's interval.
package api
