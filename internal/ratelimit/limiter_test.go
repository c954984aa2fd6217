package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter requires a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewLimiter(client), client
}

func TestAllow_BlocksOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	ok, _ := l.Allow(ctx, "u1", rule)
	if ok {
		t.Error("fourth request should be rate limited")
	}

	if ok, _ := l.Allow(ctx, "u2", rule); !ok {
		t.Error("counters are per identifier")
	}
}

func TestAllow_FailsOpenWhenRedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:1", DialTimeout: 100 * time.Millisecond})
	defer client.Close()
	l := NewLimiter(client)

	ok, err := l.Allow(context.Background(), "u1", RuleCommit)
	if !ok {
		t.Error("limiter must fail open on redis errors")
	}
	if err == nil {
		t.Error("expected the redis error to be returned")
	}
}

func TestRule_WithLimit(t *testing.T) {
	r := RuleCommit.WithLimit(5)
	if r.Limit != 5 || r.Key != RuleCommit.Key {
		t.Errorf("unexpected rule %+v", r)
	}
	if RuleCommit.WithLimit(0).Limit != RuleCommit.Limit {
		t.Error("zero limit should keep the default")
	}
}

func TestResetIn(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 2, Window: 30 * time.Second}

	if d, err := l.ResetIn(ctx, "fresh", rule); err != nil || d != 0 {
		t.Fatalf("no window yet: got %v %v", d, err)
	}
	if _, err := l.Allow(ctx, "fresh", rule); err != nil {
		t.Fatal(err)
	}
	d, err := l.ResetIn(ctx, "fresh", rule)
	if err != nil {
		t.Fatal(err)
	}
	if d <= 0 || d > rule.Window {
		t.Errorf("window should close within %v, got %v", rule.Window, d)
	}
}
