package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, Key("tenant"))
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, Key("tenant"))
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, Key("tenant"))
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Tenants have independent buckets.
	allowed, _, _ = bucket.Allow(ctx, Key("other"))
	if !allowed {
		t.Fatalf("expected other tenant to have its own budget")
	}

	// Refill cannot be tested with miniredis.FastForward(): the script takes its
	// clock from the caller's time.Now().
}

func TestKey(t *testing.T) {
	if Key("") != "submissions:rl:default" || Key("lgu-7") != "submissions:rl:lgu-7" {
		t.Fatalf("unexpected keys %q %q", Key(""), Key("lgu-7"))
	}
}
