package domain

import "context"

// ConnectionCounter tracks live WebSocket clients per host in the shared store.
// Increment and Decrement must be atomic in the store, never read-modify-write.
type ConnectionCounter interface {
	Reset(ctx context.Context, hostID string) error
	Increment(ctx context.Context, hostID string) error
	Decrement(ctx context.Context, hostID string) error
}

// HostIdentity answers side-effect free lookups about the local node.
type HostIdentity interface {
	LocalHostID() string
	PrivateChannelName() string
}

// EndpointDiscovery selects an alternate backend endpoint on failover.
type EndpointDiscovery interface {
	Next(ctx context.Context) (ServerEndpoint, error)
}
