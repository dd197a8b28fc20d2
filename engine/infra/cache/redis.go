package cache

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fieldline/fieldline/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const fallbackRedisPingTimeout = 10 * time.Second

// Redis wraps the client used for conflict flags and operator alerts.
type Redis struct {
	client redis.UniversalClient
	config *Config
	once   sync.Once // guarantees idempotent, race-free Close
	ctx    context.Context
}

// NewRedis creates a new Redis client with the provided configuration.
func NewRedis(ctx context.Context, cfg *Config) (*Redis, error) {
	log := logger.FromContext(ctx).With("component", "infra_redis")
	ctx = logger.ContextWithLogger(ctx, log)
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	client, err := buildRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = fallbackRedisPingTimeout
	}
	if err := pingRedis(ctx, client, timeout); err != nil {
		client.Close()
		return nil, err
	}
	log.With(
		"cache_driver", "redis",
		"host", cfg.Host,
		"port", cfg.Port,
		"db", cfg.DB,
		"pool_size", cfg.PoolSize,
	).Info("Redis connection established")
	return &Redis{client: client, config: cfg, ctx: ctx}, nil
}

// NewRedisFromClient wraps an existing client; used by tests with miniredis.
func NewRedisFromClient(ctx context.Context, client redis.UniversalClient) *Redis {
	return &Redis{client: client, config: &Config{}, ctx: ctx}
}

// buildRedisClient configures the Redis client from the provided config.
func buildRedisClient(cfg *Config) (redis.UniversalClient, error) {
	if cfg.URL != "" {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing Redis URL: %w", err)
		}
		applyConfigToOptions(opt, cfg)
		return redis.NewClient(opt), nil
	}
	opt := &redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	applyConfigToOptions(opt, cfg)
	return redis.NewClient(opt), nil
}

// pingRedis validates connectivity within the configured timeout.
func pingRedis(ctx context.Context, client redis.UniversalClient, timeout time.Duration) error {
	pingCtx, pingCancel := context.WithTimeout(ctx, timeout)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("pinging Redis server (timeout=%s): %w", timeout, err)
	}
	return nil
}

// applyConfigToOptions applies configuration to Redis options.
func applyConfigToOptions(opt *redis.Options, cfg *Config) {
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opt.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opt.WriteTimeout = cfg.WriteTimeout
	}
}

// Close shuts down the Redis connection.
func (r *Redis) Close() error {
	var err error
	r.once.Do(func() {
		err = r.client.Close()
		if err != nil {
			logger.FromContext(r.ctx).Error("Redis connection close failed", "error", err)
		} else {
			logger.FromContext(r.ctx).Debug("Redis connection closed")
		}
	})
	return err
}

// Client returns the underlying Redis client.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

// HealthCheck verifies the server is reachable.
func (r *Redis) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
