// Package domain defines the core value types and collaborator interfaces.
//
// Concept-oriented files (endpoint.go, pubsub.go, registry.go, errors.go) with shared types
// and cross-cutting interfaces. No implementation code - just contracts.
// Keeps the supervisor, bridge, gateway and Redis adapters free of circular imports.
package domain
