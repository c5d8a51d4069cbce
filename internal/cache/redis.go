package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"entitycore.org/internal/obs"
)

// Redis is a network-backed cache shared across processes. Every write carries
// a TTL, and the principal index sets are themselves TTL-bounded so orphaned
// index entries self-expire. Redis errors are swallowed into misses/no-ops:
// cache unavailability must only cost latency, never change a decision.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a cache over the given Redis endpoint.
func NewRedis(addr, password string, db int, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *Redis) Get(ctx context.Context, key Key) (bool, bool) {
	value, err := c.client.Get(ctx, c.permKey(key)).Result()
	if err != nil {
		obs.CacheLookups.WithLabelValues("redis", "miss").Inc()
		return false, false
	}
	obs.CacheLookups.WithLabelValues("redis", "hit").Inc()
	return value == "1", true
}

func (c *Redis) Set(ctx context.Context, key Key, value bool, principalID string) {
	cacheKey := c.permKey(key)
	stored := "0"
	if value {
		stored = "1"
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, cacheKey, stored, c.ttl)
	indexKey := c.principalIndexKey(principalID)
	pipe.SAdd(ctx, indexKey, cacheKey)
	pipe.Expire(ctx, indexKey, c.ttl)
	pipe.SAdd(ctx, c.registryKey(), principalID)
	pipe.Expire(ctx, c.registryKey(), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.LogEvent("cache.redis_set_failed", map[string]any{"error": err.Error()})
	}
}

func (c *Redis) Invalidate(ctx context.Context) {
	principals, err := c.client.SMembers(ctx, c.registryKey()).Result()
	if err != nil {
		obs.LogEvent("cache.redis_invalidate_failed", map[string]any{"error": err.Error()})
		return
	}
	for _, principalID := range principals {
		c.InvalidateForPrincipal(ctx, principalID)
	}
	if len(principals) > 0 {
		_ = c.client.Del(ctx, c.registryKey()).Err()
	}
}

func (c *Redis) InvalidateForPrincipal(ctx context.Context, principalID string) {
	indexKey := c.principalIndexKey(principalID)
	keys, err := c.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		obs.LogEvent("cache.redis_invalidate_failed", map[string]any{
			"principal_id": principalID,
			"error":        err.Error(),
		})
		return
	}
	_ = c.client.Del(ctx, append(keys, indexKey)...).Err()
	_ = c.client.SRem(ctx, c.registryKey(), principalID).Err()
}

func (c *Redis) permKey(key Key) string {
	return fmt.Sprintf("%s:perm:%s:%s:%s:%s", c.prefix, key.PrincipalID, key.PrincipalType, key.ResourceID, key.Action)
}

func (c *Redis) principalIndexKey(principalID string) string {
	return fmt.Sprintf("%s:principal:%s", c.prefix, principalID)
}

func (c *Redis) registryKey() string {
	return fmt.Sprintf("%s:principals", c.prefix)
}

// Ping reports whether the backing Redis is reachable. Used by readiness
// probes and integration tests.
func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
