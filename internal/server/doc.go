// Package server serves the local PageSync dashboard.
//
// Routes:
//
//   - GET /: the embedded dashboard page
//   - GET /api/fragments: current fragments as JSON
//   - GET /api/events: Server-Sent Events, one frame per bus event
//   - POST /api/longpoll/resume: restart a halted long poll
//   - GET /metrics: Prometheus exposition
//
// The server shuts down gracefully when its context is cancelled.
package server
