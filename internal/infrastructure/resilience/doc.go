// Package resilience implements a three-state circuit breaker (closed,
// open, half-open) so callers of an unresponsive upstream fail fast
// instead of burning a timeout per attempt. The blob tunnel wraps its
// coordinator round trips in one.
package resilience
