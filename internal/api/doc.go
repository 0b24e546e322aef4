// Package api hosts the operator HTTP surface of the engine. Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/resources/{resource_id}/check to run one check immediately.
package api
