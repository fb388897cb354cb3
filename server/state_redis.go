package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStateRegistry stores pending states in Redis so that any replica can finish a login.
type RedisStateRegistry struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStateRegistry connects lazily; the first command dials the server.
func NewRedisStateRegistry(cfg RedisConfig, ttl time.Duration) *RedisStateRegistry {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStateRegistryWithClient(client, cfg.KeyPrefix, ttl)
}

// NewRedisStateRegistryWithClient wraps an existing client.
func NewRedisStateRegistryWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStateRegistry {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &RedisStateRegistry{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

// Issue writes a new state with SET NX so an existing key is never overwritten.
func (r *RedisStateRegistry) Issue(ctx context.Context) (string, error) {
	for i := 0; i < stateIssueAttempts; i++ {
		token, err := newStateToken()
		if err != nil {
			return "", err
		}
		ok, err := r.client.SetNX(ctx, r.key(token), r.now().UnixNano(), r.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("store state: %w", err)
		}
		if ok {
			return token, nil
		}
	}
	return "", errStateCollision
}

// Consume uses GETDEL so concurrent callbacks race on a single atomic command.
func (r *RedisStateRegistry) Consume(ctx context.Context, state string) (bool, error) {
	if state == "" {
		return false, nil
	}
	val, err := r.client.GetDel(ctx, r.key(state)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume state: %w", err)
	}
	nanos, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, nil
	}
	return r.now().Sub(time.Unix(0, nanos)) <= r.ttl, nil
}

// Pending reports whether state is waiting to be consumed.
func (r *RedisStateRegistry) Pending(ctx context.Context, state string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(state)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Ping checks connectivity at startup.
func (r *RedisStateRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *RedisStateRegistry) Close() error {
	return r.client.Close()
}

func (r *RedisStateRegistry) key(state string) string {
	return r.prefix + state
}
