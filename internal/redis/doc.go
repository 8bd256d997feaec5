// Package redis implements the Redis-backed collaborators of the bridge.
//
// Provides client construction with metrics and circuit breaker hooks, the shared
// per-host client counter (Registry), local host identity, and alternate primary
// discovery (static fallback list or Sentinel).
package redis
