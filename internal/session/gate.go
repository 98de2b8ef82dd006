package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crm-ledger/audit-ledger/internal/auth"
	"github.com/crm-ledger/audit-ledger/internal/config"
)

const touchKeyPrefix = "auditledger:touch:"

// TouchGate decides whether a session touch may reach the database. Acquire
// reports true at most once per ttl for a given token.
type TouchGate interface {
	Acquire(ctx context.Context, token string, ttl time.Duration) (bool, error)
}

// RedisGate is a TouchGate shared by every replica, built on SET NX PX.
type RedisGate struct {
	client redis.Cmdable
}

// NewRedisGate creates a gate backed by client.
func NewRedisGate(client redis.Cmdable) *RedisGate {
	return &RedisGate{client: client}
}

// Acquire sets the token's throttle key if it is absent.
func (g *RedisGate) Acquire(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, touchKeyPrefix+auth.SessionRef(token), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire touch gate: %w", err)
	}
	return ok, nil
}

// NewRedisClient connects to the configured Redis server and pings it.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// memoryGateMaxEntries triggers a purge of expired entries.
const memoryGateMaxEntries = 10000

// memoryGate is the single-process TouchGate used when Redis is disabled.
type memoryGate struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func newMemoryGate(now func() time.Time) *memoryGate {
	return &memoryGate{expires: make(map[string]time.Time), now: now}
}

func (g *memoryGate) Acquire(_ context.Context, token string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if exp, ok := g.expires[token]; ok && now.Before(exp) {
		return false, nil
	}
	if len(g.expires) >= memoryGateMaxEntries {
		for k, exp := range g.expires {
			if !now.Before(exp) {
				delete(g.expires, k)
			}
		}
	}
	g.expires[token] = now.Add(ttl)
	return true, nil
}
