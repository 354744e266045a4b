package recommendation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DispatchGuard makes sure an assessment is sent to the workflow once.
// Claim reports false when the id is already claimed.
type DispatchGuard interface {
	Claim(ctx context.Context, assessmentID uuid.UUID) (bool, error)
	Release(ctx context.Context, assessmentID uuid.UUID) error
}

// MemoryGuard claims ids inside this process. Claims expire after ttl; a zero
// ttl keeps them forever.
type MemoryGuard struct {
	mu     sync.Mutex
	ttl    time.Duration
	claims map[uuid.UUID]time.Time
	now    func() time.Time
}

func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{ttl: ttl, claims: make(map[uuid.UUID]time.Time), now: time.Now}
}

func (g *MemoryGuard) Claim(_ context.Context, id uuid.UUID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if at, ok := g.claims[id]; ok && (g.ttl <= 0 || now.Sub(at) < g.ttl) {
		return false, nil
	}
	g.claims[id] = now
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, id uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, id)
	return nil
}

// redisCmdable is the part of redis.Cmdable the guard needs.
type redisCmdable interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

const redisGuardPrefix = "goalplan:dispatch:"

// RedisGuard claims ids with SET NX so that every replica sharing the Redis
// instance sees the same claims.
type RedisGuard struct {
	rdb redisCmdable
	ttl time.Duration
}

func NewRedisGuard(rdb redisCmdable, ttl time.Duration) *RedisGuard {
	return &RedisGuard{rdb: rdb, ttl: ttl}
}

func (g *RedisGuard) key(id uuid.UUID) string { return redisGuardPrefix + id.String() }

func (g *RedisGuard) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	return g.rdb.SetNX(ctx, g.key(id), time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
}

func (g *RedisGuard) Release(ctx context.Context, id uuid.UUID) error {
	return g.rdb.Del(ctx, g.key(id)).Err()
}
