// Package main is the entry point for the crossbus relay daemon.
//
// The daemon hosts the coordinator context of the cross-context message
// bus: the broadcast hub, the blob reference store, and the network-rule
// manager. Remote loci (workers, UI surfaces) attach over WebSocket and
// become hub members; hosted documents reach the fabric through their
// host's window links.
//
// The server provides:
//   - GET /attach: WebSocket upgrade joining a locus to the hub
//   - GET /health: liveness probe
//   - GET /metrics: Prometheus metrics
//
// Configuration:
//   - Environment variables (12-factor)
//   - Optional YAML file via -config (file wins over environment)
//   - CLI flags (override both)
//
// Usage:
//
//	# Production mode
//	./relayd -port 8400
//
//	# Development mode (colored logs, debug level)
//	./relayd -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
