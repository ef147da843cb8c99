package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestBudget(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	budget := NewBudget(client, 2, 0.5, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		allowed, _, err := budget.Take(ctx, "pins")
		if err != nil || !allowed {
			t.Fatalf("post %d: allowed=%v err=%v", i, allowed, err)
		}
	}
	allowed, left, _ := budget.Take(ctx, "pins")
	if allowed || left != 0 {
		t.Fatalf("expected budget exhausted, allowed=%v left=%v", allowed, left)
	}

	// other platforms have their own bucket
	if allowed, _, _ := budget.Take(ctx, "blog"); !allowed {
		t.Fatal("expected separate bucket per platform")
	}

	now = now.Add(2 * time.Second)
	if allowed, _, _ := budget.Take(ctx, "pins"); !allowed {
		t.Fatal("expected one token after refill")
	}
	if allowed, _, _ := budget.Take(ctx, "pins"); allowed {
		t.Fatal("refill should have added only one token")
	}
}
