// Package store is the boundary between the bouncer and the networked
// key-value store holding all limiter, violation and block state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotConnected is returned when the store is used before Connect or after Close.
var ErrNotConnected = errors.New("store connection is not initialized: call Connect during startup")

// Client is the subset of store commands the bouncer relies on. Every
// redis.UniversalClient satisfies it.
type Client interface {
	redis.Scripter

	// TxPipelined runs the queued commands as one MULTI/EXEC transaction.
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)

	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
	ZCount(ctx context.Context, key, min, max string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Provider hands out the shared client. Implementations return
// ErrNotConnected when no client is available.
type Provider interface {
	Client() (Client, error)
}

var _ Client = (redis.UniversalClient)(nil)
