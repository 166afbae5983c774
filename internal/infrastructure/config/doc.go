// Package config provides 12-factor configuration management for the
// relay daemon.
//
// Configuration is loaded from environment variables with sensible
// defaults; an optional YAML file overlays the environment for
// deployments that prefer files.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host)
//   - Bus: call timeout for correlated requests
//   - Blob: blob store reference TTL
//   - Logging: log level and output format
//   - RateLimit: per-IP attachment rate limiting
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("relay on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - PORT, HOST
//   - BUS_CALL_TIMEOUT, BLOB_TTL
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
