package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tokengate/internal/auth"
	"github.com/wolfeidau/tokengate/internal/cache"
	"github.com/wolfeidau/tokengate/internal/store"
	memorystore "github.com/wolfeidau/tokengate/internal/store/memory"
	postgresstore "github.com/wolfeidau/tokengate/internal/store/postgres"
	sqlitestore "github.com/wolfeidau/tokengate/internal/store/sqlite"
)

// TokenFlags configures token signing and lifetime.
type TokenFlags struct {
	SigningKey    string        `help:"HMAC-SHA256 signing key, at least 32 bytes" env:"TOKENGATE_SIGNING_KEY"`
	Issuer        string        `help:"token issuer" default:"tokengate" env:"TOKENGATE_ISSUER"`
	Audience      string        `help:"token audience" default:"tokengate" env:"TOKENGATE_AUDIENCE"`
	ExpiryMinutes int           `help:"token lifetime in minutes, -1 never expires" default:"30" env:"TOKENGATE_TOKEN_EXPIRY_MINUTES"`
	Leeway        time.Duration `help:"clock skew tolerated when checking expiry" default:"30s" env:"TOKENGATE_TOKEN_LEEWAY"`
}

func (t *TokenFlags) Validate() error {
	if t.SigningKey == "" {
		return errors.New("signing key is required (--token-signing-key or TOKENGATE_SIGNING_KEY)")
	}
	if t.ExpiryMinutes == 0 || t.ExpiryMinutes < -1 {
		return errors.New("token expiry must be a positive number of minutes or -1 (--token-expiry-minutes)")
	}
	return nil
}

func (t *TokenFlags) expiry() time.Duration {
	if t.ExpiryMinutes < 0 {
		return -1
	}
	return time.Duration(t.ExpiryMinutes) * time.Minute
}

func (t *TokenFlags) newService(principals store.PrincipalStore, versionCache cache.VersionCache, ttl time.Duration) (*auth.Service, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	codec, err := auth.NewCodec(auth.CodecConfig{
		SigningKey: []byte(t.SigningKey),
		Issuer:     t.Issuer,
		Audience:   t.Audience,
		Leeway:     t.Leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token configuration: %w", err)
	}

	log.Info().
		Str("kid", codec.Kid()).
		Str("issuer", t.Issuer).
		Int("expiry_minutes", t.ExpiryMinutes).
		Msg("Token codec initialized")

	return auth.NewService(codec, auth.NewVersionStore(principals, versionCache, ttl), auth.ServiceConfig{
		Expiry: t.expiry(),
	}), nil
}

// CacheFlags configures the token version cache.
type CacheFlags struct {
	Type          string        `help:"version cache type" default:"memory" env:"TOKENGATE_CACHE_TYPE" enum:"none,memory,redis"`
	TTL           time.Duration `help:"version cache entry lifetime" default:"60m" env:"TOKENGATE_CACHE_TTL"`
	MaxEntries    int64         `help:"maximum subjects held by the memory cache" default:"100000" env:"TOKENGATE_CACHE_MAX_ENTRIES"`
	RedisAddr     string        `help:"redis address" default:"localhost:6379" env:"TOKENGATE_REDIS_ADDR"`
	RedisPassword string        `help:"redis password" default:"" env:"TOKENGATE_REDIS_PASSWORD"`
	RedisDB       int           `help:"redis database" default:"0" env:"TOKENGATE_REDIS_DB"`
	StartupRetry  time.Duration `help:"how long to retry the first redis ping" default:"30s" env:"TOKENGATE_REDIS_STARTUP_RETRY"`
}

// open returns the configured cache, nil when caching is disabled, and a
// function releasing it.
func (c *CacheFlags) open(ctx context.Context) (cache.VersionCache, func(), error) {
	switch c.Type {
	case "redis":
		r, err := cache.DialRedis(ctx, cache.RedisConfig{
			Addr:         c.RedisAddr,
			Password:     c.RedisPassword,
			DB:           c.RedisDB,
			StartupRetry: c.StartupRetry,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("addr", c.RedisAddr).Msg("Using redis version cache")
		return r, func() {
			if err := r.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close redis client")
			}
		}, nil

	case "memory":
		m, err := cache.NewMemory(c.MaxEntries)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Dur("ttl", c.TTL).Int64("max_entries", c.MaxEntries).Msg("Using in-memory version cache")
		return m, m.Close, nil

	default:
		log.Info().Msg("Version cache disabled")
		return nil, func() {}, nil
	}
}

// StoreFlags selects and configures the principal store.
type StoreFlags struct {
	StoreType string             `help:"store type" default:"memory" env:"TOKENGATE_STORE_TYPE" enum:"memory,sqlite,postgres"`
	SQLite    SQLiteStoreFlags   `embed:"" prefix:"sqlite-"`
	Postgres  PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

type SQLiteStoreFlags struct {
	Path string `help:"SQLite database file" default:"tokengate.db" env:"TOKENGATE_SQLITE_PATH"`
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"5"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`
	StartupRetry    time.Duration `help:"how long to retry the first connection, negative disables" default:"30s"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"TOKENGATE_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

// open returns the configured store and a function releasing it.
func (s *StoreFlags) open(ctx context.Context) (store.PrincipalStore, func(), error) {
	switch s.StoreType {
	case "postgres":
		if err := s.Postgres.Validate(); err != nil {
			return nil, nil, err
		}

		pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
			ConnString:      s.Postgres.ConnString,
			MaxConns:        s.Postgres.MaxConns,
			MinConns:        s.Postgres.MinConns,
			MaxConnLifetime: s.Postgres.MaxConnLifetime,
			MaxConnIdleTime: s.Postgres.MaxConnIdleTime,
			StartupRetry:    s.Postgres.StartupRetry,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
		}

		if s.Postgres.AutoMigrate {
			if err := postgresstore.RunMigrations(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("Database migrations completed")
		}

		log.Info().Msg("Using PostgreSQL principal store")
		return postgresstore.NewPrincipalStore(pool), pool.Close, nil

	case "sqlite":
		st, err := sqlitestore.Open(ctx, s.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", s.SQLite.Path).Msg("Using SQLite principal store")
		return st, func() {
			if err := st.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close SQLite store")
			}
		}, nil

	default:
		log.Info().Msg("Using in-memory principal store")
		return memorystore.NewPrincipalStore(), func() {}, nil
	}
}
