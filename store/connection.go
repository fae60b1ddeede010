package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ Provider = (*Connection)(nil)

// Config holds connection settings for the store.
type Config struct {
	// Addrs lists one address for a standalone server or several for a cluster.
	Addrs        []string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig mirrors the pool settings the service runs with.
func DefaultConfig() Config {
	return Config{
		Addrs:       []string{"localhost:6379"},
		PoolSize:    50,
		DialTimeout: 5 * time.Second,
	}
}

type handle struct {
	client redis.UniversalClient
}

// Connection is the process-wide handle to the store. It is created once,
// connected during startup, injected into every component and closed on
// shutdown. Reads of the client are lock-free.
type Connection struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	current atomic.Pointer[handle]
}

// NewConnection returns an unconnected handle.
func NewConnection(cfg Config, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{cfg: cfg, logger: logger}
}

// NewConnectionFromClient wraps an existing client. The connection is
// considered established.
func NewConnectionFromClient(client redis.UniversalClient) *Connection {
	c := &Connection{logger: zap.NewNop()}
	c.current.Store(&handle{client: client})
	return c
}

// Connect builds the client and verifies it with PING. Calling Connect on an
// established connection is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current.Load() != nil {
		return nil
	}
	if len(c.cfg.Addrs) == 0 {
		return fmt.Errorf("store address is required")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        c.cfg.Addrs,
		Password:     c.cfg.Password,
		DB:           c.cfg.DB,
		PoolSize:     c.cfg.PoolSize,
		DialTimeout:  c.cfg.DialTimeout,
		ReadTimeout:  c.cfg.ReadTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("store ping failed for %s: %w", strings.Join(c.cfg.Addrs, ","), err)
	}

	c.current.Store(&handle{client: client})
	c.logger.Info("connected to store",
		zap.Strings("addrs", c.cfg.Addrs),
		zap.Int("db", c.cfg.DB),
		zap.Int("pool_size", c.cfg.PoolSize),
	)
	return nil
}

// Client returns the shared client or ErrNotConnected.
func (c *Connection) Client() (Client, error) {
	h := c.current.Load()
	if h == nil {
		return nil, ErrNotConnected
	}
	return h.client, nil
}

// Close releases the client. Later calls to Client return ErrNotConnected.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.current.Swap(nil)
	if h == nil {
		return nil
	}
	if err := h.client.Close(); err != nil {
		return fmt.Errorf("failed to close store client: %w", err)
	}
	c.logger.Info("disconnected from store")
	return nil
}
