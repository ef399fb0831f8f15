// Package api holds the request and response types of the RunFlow control
// plane.
//
// # API Overview
//
// The control plane drives one engine session at a time:
//   - POST /v1/runs            start a run (full, to, single or from a node)
//   - GET  /v1/runs/current    progress and summary of the current or last run
//   - GET  /v1/runs/{id}       summary of a finished run
//   - POST /v1/runs/pause      close the pause gate
//   - POST /v1/runs/resume     reopen the pause gate
//   - POST /v1/runs/stop       raise the stop flag
//   - GET  /v1/breakers        per-node circuit breaker states
//   - GET  /v1/events          websocket stream of engine events
//   - GET  /health, /healthz, /ready, /version
//
// # Authentication
//
// When server.jwt.secret is configured every /v1 endpoint requires a bearer
// token:
//
//	Authorization: Bearer <token>
//
// # Base URL
//
// The default base URL is:
//
//	http://localhost:8080
package api
