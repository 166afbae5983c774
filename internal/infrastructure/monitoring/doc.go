// Package monitoring provides Prometheus metrics for the bus and the
// relay daemon.
package monitoring
