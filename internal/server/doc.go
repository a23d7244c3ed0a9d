// Package server implements the HTTP server using the Echo framework.
//
// Routes: /livecount/ws (viewer WebSocket), /livecount/health (bootstrap page),
// /livecount/metrics (Prometheus), plus /health/live, /health/ready and /version.
// Upgrades pass through ConnectionLimits before a session is started.
package server
