// Package logging provides structured logging using uber/zap.
//
// This package offers production-ready logging with two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Every bus context takes a *Logger; swallowed handler errors and
// discarded race losers are visible here and nowhere else.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("relay listening", zap.String("addr", ":8400"))
//	logger.Error("attach failed", zap.Error(err))
package logging
