package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var _ VersionCache = (*Redis)(nil)

const redisKeyPrefix = "tokengate:ver:"

// Redis is a VersionCache shared between processes through a Redis server.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// RedisConfig configures DialRedis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// StartupRetry bounds how long DialRedis retries the first PING. Zero or negative pings once.
	StartupRetry time.Duration
}

// DialRedis connects to Redis and verifies connectivity, retrying with
// exponential backoff until StartupRetry elapses.
func DialRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ping := func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	}

	var err error
	if cfg.StartupRetry > 0 {
		_, err = backoff.Retry(ctx, ping,
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(cfg.StartupRetry),
			backoff.WithNotify(func(err error, next time.Duration) {
				log.Warn().Err(err).Str("addr", cfg.Addr).Dur("retry_in", next).Msg("Redis not ready")
			}),
		)
	} else {
		_, err = ping()
	}
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedis(client), nil
}

// Get returns the cached version for subject.
func (r *Redis) Get(ctx context.Context, subject string) (uuid.UUID, bool, error) {
	val, err := r.client.Get(ctx, redisKeyPrefix+subject).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("redis get: %w", err)
	}

	version, err := uuid.Parse(val)
	if err != nil {
		// unreadable entries are treated as misses so the store is consulted
		return uuid.Nil, false, nil
	}
	return version, true, nil
}

// Set stores version for subject. A non-positive ttl falls back to DefaultTTL.
func (r *Redis) Set(ctx context.Context, subject string, version uuid.UUID, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := r.client.Set(ctx, redisKeyPrefix+subject, version.String(), ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes subject from the cache.
func (r *Redis) Delete(ctx context.Context, subject string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+subject).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
