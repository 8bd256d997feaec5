package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/votong/wsbridge/internal/domain"
)

// Registry keeps the live WebSocket client count of every host in one Redis hash
// (field = host ID). Updates use HINCRBY so concurrent hosts never lose increments.
type Registry struct {
	rdb *goredis.Client
	key string
}

var _ domain.ConnectionCounter = (*Registry)(nil)

func NewRegistry(rdb *goredis.Client, key string) *Registry {
	return &Registry{rdb: rdb, key: key}
}

// Reset sets the host's count to zero. Called at the start of every pipeline cycle.
func (r *Registry) Reset(ctx context.Context, hostID string) error {
	if err := r.rdb.HSet(ctx, r.key, hostID, 0).Err(); err != nil {
		return fmt.Errorf("failed to reset client count for %s: %w", hostID, err)
	}
	return nil
}

func (r *Registry) Increment(ctx context.Context, hostID string) error {
	if err := r.rdb.HIncrBy(ctx, r.key, hostID, 1).Err(); err != nil {
		return fmt.Errorf("failed to increment client count for %s: %w", hostID, err)
	}
	return nil
}

func (r *Registry) Decrement(ctx context.Context, hostID string) error {
	if err := r.rdb.HIncrBy(ctx, r.key, hostID, -1).Err(); err != nil {
		return fmt.Errorf("failed to decrement client count for %s: %w", hostID, err)
	}
	return nil
}

// Count returns the host's current count; a missing field reads as zero.
func (r *Registry) Count(ctx context.Context, hostID string) (int64, error) {
	n, err := r.rdb.HGet(ctx, r.key, hostID).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read client count for %s: %w", hostID, err)
	}
	return n, nil
}
