package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/veilchat/core/internal/moderation"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client), mr
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d throttled under the limit", i)
		}
	}

	ok, err := l.Allow(ctx, "u1", rule)
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if ok {
		t.Fatal("request over the limit was allowed")
	}
}

func TestAllowPerUserIsolation(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}

	if ok, _ := l.Allow(ctx, "u1", rule); !ok {
		t.Fatal("u1's first request throttled")
	}
	if ok, _ := l.Allow(ctx, "u1", rule); ok {
		t.Fatal("u1's second request allowed")
	}
	if ok, _ := l.Allow(ctx, "u2", rule); !ok {
		t.Fatal("u2 throttled by u1's counter")
	}
}

func TestWindowResets(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 10 * time.Second}

	if ok, _ := l.Allow(ctx, "u1", rule); !ok {
		t.Fatal("first request throttled")
	}
	if ok, _ := l.Allow(ctx, "u1", rule); ok {
		t.Fatal("second request allowed in the same window")
	}

	mr.FastForward(11 * time.Second)

	if ok, _ := l.Allow(ctx, "u1", rule); !ok {
		t.Fatal("request throttled after the window expired")
	}
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 5, Window: time.Minute}

	n, err := l.Remaining(ctx, "u1", rule)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if n != 5 {
		t.Fatalf("remaining = %d before any request, want 5", n)
	}

	l.Allow(ctx, "u1", rule)
	l.Allow(ctx, "u1", rule)

	n, err = l.Remaining(ctx, "u1", rule)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if n != 3 {
		t.Fatalf("remaining = %d after 2 requests, want 3", n)
	}
}

func TestReportRuleStaysBelowBanThreshold(t *testing.T) {
	// One reporter alone must not be able to reach the ban threshold
	// within a single report window.
	if RuleReport.Limit >= moderation.DefaultReportThreshold {
		t.Fatalf("report limit %d must stay below the ban threshold %d",
			RuleReport.Limit, moderation.DefaultReportThreshold)
	}
}

func TestAllowFailsOpenWhenRedisDown(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()

	ok, err := l.Allow(context.Background(), "u1", Rule{Key: "rl:test:", Limit: 1, Window: time.Minute})
	if err == nil {
		t.Fatal("expected an error with redis down")
	}
	if !ok {
		t.Fatal("limiter did not fail open")
	}
}
