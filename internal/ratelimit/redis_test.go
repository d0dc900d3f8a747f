package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, nil), mr
}

func TestRedisLimiterAdmitsUnderLimit(t *testing.T) {
	t.Parallel()
	l, _ := newRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.Allow(ctx, "ratelimit:user:u1", 5)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
	}

	res, err := l.Allow(ctx, "ratelimit:user:u1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Error("6th request admitted over limit")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d on denial", res.Remaining)
	}
}

func TestRedisLimiterSlidingWindow(t *testing.T) {
	t.Parallel()
	l, mr := newRedisLimiter(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		if res, _ := l.Allow(ctx, "k", 3); !res.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
	}
	if res, _ := l.Allow(ctx, "k", 3); res.Allowed {
		t.Fatal("over-limit request admitted")
	}

	// Entries older than the window are trimmed, so the key frees up.
	l.now = func() time.Time { return base.Add(Window*time.Second + time.Second) }
	mr.FastForward(Window*time.Second + time.Second)
	if res, _ := l.Allow(ctx, "k", 3); !res.Allowed {
		t.Error("request after window slide denied")
	}
}

func TestRedisLimiterKeysIndependent(t *testing.T) {
	t.Parallel()
	l, _ := newRedisLimiter(t)
	ctx := context.Background()

	if res, _ := l.Allow(ctx, "ratelimit:user:a", 1); !res.Allowed {
		t.Fatal("first request on a denied")
	}
	if res, _ := l.Allow(ctx, "ratelimit:user:a", 1); res.Allowed {
		t.Fatal("second request on a admitted")
	}
	if res, _ := l.Allow(ctx, "ratelimit:user:b", 1); !res.Allowed {
		t.Fatal("first request on b denied")
	}
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := NewRedisLimiter(client, nil)

	mr.Close()

	res, err := l.Allow(context.Background(), "k", 1)
	if err != nil {
		t.Fatalf("transport failure surfaced as error: %v", err)
	}
	if !res.Allowed {
		t.Error("transport failure did not fail open")
	}
}
