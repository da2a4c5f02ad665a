// Package redis provides a Redis-backed implementation of the jobs.Locker
// interface for deployments that coordinate job runners without sharing a
// PostgreSQL instance.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/paywelt/billingcore/pkg/jobs"
)

// releaseScript deletes the lock only if it still holds our token, so an
// expired lock reacquired by another runner is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements jobs.Locker using SET NX with a TTL.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// Config holds Redis locker configuration
type Config struct {
	// Addr is the Redis server address (host:port)
	Addr string

	// Password for Redis AUTH (optional)
	Password string

	// DB is the Redis database number
	DB int

	// TTL bounds how long a crashed holder can keep a lock (default: 5m)
	TTL time.Duration

	// KeyPrefix namespaces lock keys (default: "joblock:")
	KeyPrefix string
}

// New creates a Redis-backed Locker and verifies connectivity.
func New(ctx context.Context, config Config) (*Locker, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "joblock:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Locker{client: client, ttl: config.TTL, prefix: config.KeyPrefix}, nil
}

// NewWithClient wraps an existing client (useful for testing).
func NewWithClient(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Locker{client: client, ttl: ttl, prefix: "joblock:"}
}

// Close closes the underlying client.
func (l *Locker) Close() error {
	return l.client.Close()
}

// Acquire implements jobs.Locker.
func (l *Locker) Acquire(ctx context.Context, name string) (func(), error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, jobs.ErrJobLocked
	}

	release := func() {
		// Release on a fresh context: the job's context may already be
		// done by the time the lock is released.
		_ = releaseScript.Run(context.Background(), l.client, []string{key}, token).Err()
	}
	return release, nil
}
