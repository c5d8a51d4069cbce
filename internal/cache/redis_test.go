package cache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

// redisFromEnv returns a Redis cache when ENTITYCORE_TEST_REDIS_ADDR points at
// a reachable instance, otherwise skips the test.
func redisFromEnv(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("ENTITYCORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ENTITYCORE_TEST_REDIS_ADDR not set")
	}
	c := NewRedis(addr, "", 0, fmt.Sprintf("entitycore-test-%d", time.Now().UnixNano()), time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		t.Skipf("redis at %s unreachable: %v", addr, err)
	}
	return c
}

func TestRedisGetSet(t *testing.T) {
	c := redisFromEnv(t)
	ctx := context.Background()
	key := Key{PrincipalID: "user-1", PrincipalType: "user", ResourceID: "e-1", Action: "entity.read"}

	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("empty cache hit")
	}
	c.Set(ctx, key, true, "user-1")
	value, ok := c.Get(ctx, key)
	if !ok || !value {
		t.Fatalf("stored decision lost: value=%v ok=%v", value, ok)
	}
}

func TestRedisInvalidateForPrincipal(t *testing.T) {
	c := redisFromEnv(t)
	ctx := context.Background()
	mine := Key{PrincipalID: "user-1", PrincipalType: "user", ResourceID: "e-1", Action: "entity.read"}
	theirs := Key{PrincipalID: "user-2", PrincipalType: "user", ResourceID: "e-1", Action: "entity.read"}
	c.Set(ctx, mine, true, "user-1")
	c.Set(ctx, theirs, false, "user-2")

	c.InvalidateForPrincipal(ctx, "user-1")

	if _, ok := c.Get(ctx, mine); ok {
		t.Fatal("principal entries survived invalidation")
	}
	if _, ok := c.Get(ctx, theirs); !ok {
		t.Fatal("other principal's entries flushed")
	}
}

func TestRedisInvalidateAll(t *testing.T) {
	c := redisFromEnv(t)
	ctx := context.Background()
	for _, p := range []string{"user-1", "user-2"} {
		c.Set(ctx, Key{PrincipalID: p, PrincipalType: "user", ResourceID: "e-1", Action: "entity.read"}, true, p)
	}

	c.Invalidate(ctx)

	for _, p := range []string{"user-1", "user-2"} {
		if _, ok := c.Get(ctx, Key{PrincipalID: p, PrincipalType: "user", ResourceID: "e-1", Action: "entity.read"}); ok {
			t.Fatalf("entry for %s survived full flush", p)
		}
	}
}

func TestRedisUnavailableDegradesToMiss(t *testing.T) {
	// Port 1 refuses connections; every operation must degrade silently.
	c := NewRedis("127.0.0.1:1", "", 0, "entitycore-test", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := Key{PrincipalID: "user-1", PrincipalType: "user", ResourceID: "e-1", Action: "entity.read"}
	c.Set(ctx, key, true, "user-1")
	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("unreachable backend produced a hit")
	}
	c.Invalidate(ctx)
	c.InvalidateForPrincipal(ctx, "user-1")
}
