// Package ratelimit provides Redis-backed throttling using the INCR + EXPIRE
// fixed window algorithm. Every inbound user action (message relay, search
// request, report) is checked against a per-user rule before the engine acts
// on it.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a throttling policy: the Redis key prefix, maximum number of
// actions allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:", "rl:search:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Throttling rules per user action.
var (
	// RuleMessage allows 20 relayed messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleSearch allows 10 search or cancel requests per minute per user.
	RuleSearch = Rule{Key: "rl:search:", Limit: 10, Window: 1 * time.Minute}

	// RuleReport allows 3 reports per hour per user, below the default ban
	// threshold of 5, so a single reporter cannot push a target over the
	// threshold within one window.
	RuleReport = Rule{Key: "rl:report:", Limit: 3, Window: 1 * time.Hour}
)

// Limiter performs throttling checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the given user is within the limit defined by rule.
// It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the action is allowed, false if throttled. On Redis errors
// the method fails open (returns true) so that a Redis outage does not block
// legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, userID string, rule Rule) (bool, error) {
	key := rule.Key + userID

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists but has no TTL and would persist. Best effort:
			// delete it so it does not block the user forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		return false, nil
	}

	return true, nil
}

// Remaining returns the number of actions the user has left in the current
// window for the given rule. Returns the full limit if the key does not exist
// yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, userID string, rule Rule) (int, error) {
	key := rule.Key + userID

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
