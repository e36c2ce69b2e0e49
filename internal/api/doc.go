// Package api hosts the operator control server. Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the supervisor state and last cycle.
//   - POST /v1/reload, /v1/cancel and /v1/collect to steer the supervisor.
package api
