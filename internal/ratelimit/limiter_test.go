package ratelimit

import (
	"context"
	"testing"
	"time"

	guard "github.com/eugener/aiguard/internal"
)

func TestKey(t *testing.T) {
	t.Parallel()

	p := &guard.Principal{User: &guard.User{ID: "user-1"}}
	if got := Key(p, "10.0.0.1"); got != "ratelimit:user:user-1" {
		t.Errorf("key = %q", got)
	}
	if got := Key(nil, "10.0.0.1"); got != "ratelimit:ip:10.0.0.1" {
		t.Errorf("key = %q", got)
	}
}

func TestLocalLimiterWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l := NewLocalLimiter()
	l.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "k", 3)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
		if res.Remaining != 3-(i+1) {
			t.Errorf("remaining = %d after request %d", res.Remaining, i+1)
		}
	}

	res, _ := l.Allow(ctx, "k", 3)
	if res.Allowed {
		t.Error("4th request admitted over limit")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d on denial", res.Remaining)
	}
	if !res.Reset.Equal(now.Add(Window * time.Second)) {
		t.Errorf("reset = %v", res.Reset)
	}

	// Window expiry re-admits.
	now = now.Add(Window*time.Second + time.Second)
	res, _ = l.Allow(ctx, "k", 3)
	if !res.Allowed {
		t.Error("request after window expiry denied")
	}
}

func TestLocalLimiterKeysIndependent(t *testing.T) {
	t.Parallel()

	l := NewLocalLimiter()
	ctx := context.Background()

	if res, _ := l.Allow(ctx, "a", 1); !res.Allowed {
		t.Fatal("first request on a denied")
	}
	if res, _ := l.Allow(ctx, "a", 1); res.Allowed {
		t.Fatal("second request on a admitted")
	}
	if res, _ := l.Allow(ctx, "b", 1); !res.Allowed {
		t.Fatal("first request on b denied")
	}
}

func TestLocalLimiterEvict(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l := NewLocalLimiter()
	l.now = func() time.Time { return now }

	ctx := context.Background()
	l.Allow(ctx, "stale", 10)
	l.Allow(ctx, "fresh", 10)

	now = now.Add(Window*time.Second + time.Second)
	l.Allow(ctx, "fresh", 10) // restarts fresh's window at the new now

	l.Evict()
	if l.Len() != 1 {
		t.Errorf("tracked keys = %d after evict, want 1", l.Len())
	}
}
