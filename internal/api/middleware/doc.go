// Package middleware provides the HTTP middleware for the relay daemon:
// CORS for attachment requests from hosted-document origins and per-IP
// token bucket rate limiting on the attach endpoint.
//
// Example Usage:
//
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
