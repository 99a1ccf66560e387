// Package redis provides the Redis connection hub and the processed-event
// store that makes event consumers idempotent under at-least-once delivery.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopfabric/lib-eventbus/eventbus/backoff"
	"github.com/shopfabric/lib-eventbus/eventbus/log"
	"go.opentelemetry.io/otel"
)

var (
	// ErrNilClient is returned when a method is called on a nil Client.
	ErrNilClient = errors.New("redis client is nil")
	// ErrInvalidConfig indicates the provided redis configuration is invalid.
	ErrInvalidConfig = errors.New("invalid redis config")
)

// reconnectBackoffCap is the maximum delay between reconnect attempts.
const reconnectBackoffCap = 30 * time.Second

const maxPoolSize = 1000

// Config defines Redis topology, auth, and connection settings.
type Config struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	PoolTimeout  time.Duration
	Logger       log.Logger
}

// String returns a redacted representation to prevent accidental
// credential logging.
func (c Config) String() string {
	return fmt.Sprintf("Config{Address:%s, DB:%d, Password:REDACTED}", c.Address, c.DB)
}

// GoString returns a redacted representation for fmt %#v.
func (c Config) GoString() string { return c.String() }

// Client wraps a redis.UniversalClient with rate-limited reconnection.
type Client struct {
	mu        sync.RWMutex
	cfg       Config
	logger    log.Logger
	client    redis.UniversalClient
	connected bool

	// Reconnect rate-limiting prevents thundering-herd storms when the
	// server is down.
	lastReconnectAttempt time.Time
	reconnectAttempts    int

	clientFactory func(*redis.UniversalOptions) redis.UniversalClient
}

// New validates config, connects to Redis, and returns a ready client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    normalized,
		logger: normalized.Logger,
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect establishes a Redis connection using the current configuration.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer("redis")

	ctx, span := tracer.Start(ctx, "redis.connect")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.logger == nil {
		c.logger = &log.NopLogger{}
	}

	if err := c.connectLocked(ctx); err != nil {
		span.RecordError(err)

		return err
	}

	return nil
}

// GetClient returns a connected redis client, reconnecting on demand.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.RLock()

	if c.client != nil {
		client := c.client
		c.mu.RUnlock()

		return client, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.logger == nil {
		c.logger = &log.NopLogger{}
	}

	if c.client != nil {
		return c.client, nil
	}

	if c.reconnectAttempts > 0 {
		delay := backoff.ExponentialWithJitter(500*time.Millisecond, c.reconnectAttempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(c.lastReconnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("redis reconnect: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	c.lastReconnectAttempt = time.Now()

	if err := c.connectLocked(ctx); err != nil {
		c.reconnectAttempts++

		return nil, err
	}

	c.reconnectAttempts = 0

	return c.client, nil
}

// IsConnected reports whether the underlying client is currently connected.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

// Close closes the underlying Redis client.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeClientLocked()
}

func (c *Client) connectLocked(ctx context.Context) error {
	c.logger.Log(ctx, log.LevelInfo, "connecting to redis")

	if c.client != nil {
		if err := c.closeClientLocked(); err != nil {
			c.logger.Log(ctx, log.LevelWarn, "close before connect failed", log.Err(err))
		}
	}

	opts, err := c.buildUniversalOptionsLocked()
	if err != nil {
		return fmt.Errorf("redis connect: build options: %w", err)
	}

	factory := c.clientFactory
	if factory == nil {
		factory = redis.NewUniversalClient
	}

	rdb := factory(opts)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()

		c.logger.Log(ctx, log.LevelError, "redis ping failed", log.Err(err))
		c.connected = false

		return fmt.Errorf("redis connect: ping: %w", err)
	}

	c.client = rdb
	c.connected = true

	c.logger.Log(ctx, log.LevelInfo, "connected to redis")

	return nil
}

func (c *Client) closeClientLocked() error {
	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	c.connected = false

	return err
}

func (c *Client) buildUniversalOptionsLocked() (*redis.UniversalOptions, error) {
	cfg := c.cfg

	// Guard against zero-value Config producing Addrs: nil, which makes
	// go-redis silently default to localhost:6379.
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, configError("address is required")
	}

	return &redis.UniversalOptions{
		Addrs:        []string{cfg.Address},
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		DialTimeout:  cfg.DialTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	}, nil
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.Logger == nil {
		cfg.Logger = &log.NopLogger{}
	}

	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}

	if cfg.PoolSize > maxPoolSize {
		cfg.PoolSize = maxPoolSize
	}

	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}

	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = 2 * time.Second
	}

	if strings.TrimSpace(cfg.Address) == "" {
		return Config{}, configError("address is required")
	}

	return cfg, nil
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
