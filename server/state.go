package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	stateEntropyBytes  = 32
	stateIssueAttempts = 3
)

var errStateCollision = errors.New("state token collision")

// StateRegistry tracks anti-CSRF state tokens for in-flight logins.
// Consume must remove the token atomically so that a token succeeds at most once.
type StateRegistry interface {
	Issue(ctx context.Context) (string, error)
	Consume(ctx context.Context, state string) (bool, error)
}

// NewStateRegistry builds the registry selected by cfg.
func NewStateRegistry(cfg StateConfig) (StateRegistry, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStateRegistry(cfg.TTL), nil
	case "redis":
		return NewRedisStateRegistry(cfg.Redis, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// MemoryStateRegistry keeps pending states in process memory.
// A restart invalidates every pending login.
type MemoryStateRegistry struct {
	mu    sync.Mutex
	cache *gocache.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryStateRegistry constructs the registry with the given token lifetime.
func NewMemoryStateRegistry(ttl time.Duration) *MemoryStateRegistry {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &MemoryStateRegistry{
		cache: gocache.New(ttl, ttl),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Issue records a fresh random state as pending.
func (r *MemoryStateRegistry) Issue(ctx context.Context) (string, error) {
	for i := 0; i < stateIssueAttempts; i++ {
		token, err := newStateToken()
		if err != nil {
			return "", err
		}
		if err := r.cache.Add(token, r.now(), r.ttl); err == nil {
			return token, nil
		}
	}
	return "", errStateCollision
}

// Consume removes state and reports whether it was pending and not expired.
func (r *MemoryStateRegistry) Consume(ctx context.Context, state string) (bool, error) {
	if state == "" {
		return false, nil
	}

	r.mu.Lock()
	v, ok := r.cache.Get(state)
	if ok {
		r.cache.Delete(state)
	}
	r.mu.Unlock()

	if !ok {
		return false, nil
	}
	issuedAt, _ := v.(time.Time)
	return r.now().Sub(issuedAt) <= r.ttl, nil
}

// Pending reports whether state is waiting to be consumed.
func (r *MemoryStateRegistry) Pending(ctx context.Context, state string) (bool, error) {
	_, ok := r.cache.Get(state)
	return ok, nil
}

// Close is a no-op kept for parity with the redis backend.
func (r *MemoryStateRegistry) Close() error { return nil }

func newStateToken() (string, error) {
	buf := make([]byte, stateEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
