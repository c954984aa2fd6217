// Package ratelimit throttles commits, joins and new connections with
// fixed-window counters in Redis. Counters are keyed by user id, or by client
// IP for connections, and expire with their window.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one throttling policy: at most Limit hits per Window for every
// identifier under the Key prefix.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleCommit caps note commits per user. COMMIT_RATE_LIMIT overrides Limit.
	RuleCommit = Rule{Key: "rl:commit:", Limit: 20, Window: 10 * time.Second}

	// RuleJoin caps note joins per user.
	RuleJoin = Rule{Key: "rl:join:", Limit: 30, Window: time.Minute}

	// RuleConnect caps WebSocket upgrades per client IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: time.Minute}
)

// WithLimit returns a copy of r with a different limit. Non-positive values
// keep the original.
func (r Rule) WithLimit(limit int) Rule {
	if limit > 0 {
		r.Limit = limit
	}
	return r
}

// Limiter counts hits in Redis. Any redis.Cmdable works, so a cluster client
// can stand in for the single-node one.
type Limiter struct {
	rdb redis.Cmdable
}

func NewLimiter(rdb redis.Cmdable) *Limiter {
	return &Limiter{rdb: rdb}
}

// Allow records a hit for identifier and reports whether it is still inside
// rule's limit. The increment and the window expiry go out in one MULTI so a
// counter can never be left without a TTL.
//
// Redis failures are returned but the hit is allowed: an outage must not lock
// users out of their notes.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, rule.Window)
		return nil
	})
	if err != nil {
		log.Printf("[ratelimit] allow key=%s: %v (failing open)", key, err)
		return true, err
	}
	return incr.Val() <= int64(rule.Limit), nil
}

// ResetIn reports how long until identifier's window under rule closes. It
// is zero when no window is open.
func (l *Limiter) ResetIn(ctx context.Context, identifier string, rule Rule) (time.Duration, error) {
	ttl, err := l.rdb.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
