// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR plus an expiry set on the first hit of each window. Counters are shared
// by every instance pointed at the same Redis, so limits hold cluster-wide.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/sessions/internal/logging"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of hits
// allowed in the window, and the window duration. A rule with a
// non-positive Limit allows everything.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:feed:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Enabled reports whether the rule limits anything.
func (r Rule) Enabled() bool {
	return r.Limit > 0 && r.Window > 0
}

// Default rules for the event feed.
var (
	// RuleFeedConnect allows 10 feed connections per minute per remote IP.
	RuleFeedConnect = Rule{Key: "rl:feed:conn:", Limit: 10, Window: time.Minute}

	// RuleFeedMessage allows 20 client messages per 10 seconds per connection.
	RuleFeedMessage = Rule{Key: "rl:feed:msg:", Limit: 20, Window: 10 * time.Second}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client    *redis.Client
	namespace string
	logger    *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client. namespace
// prefixes every counter key, the same way session keys are prefixed.
func NewLimiter(client *redis.Client, namespace string, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Limiter{client: client, namespace: namespace, logger: logger.With("component", "ratelimit")}
}

func (l *Limiter) key(identifier string, rule Rule) string {
	return l.namespace + rule.Key + identifier
}

// Allow counts one hit for identifier under rule and reports whether it is
// within the limit. The increment and the window expiry are sent in one
// transaction, so a counter can never be left without a TTL.
//
// On Redis errors the method fails open (returns true together with the
// error) so that a Redis outage does not lock clients out.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if !rule.Enabled() {
		return true, nil
	}
	key := l.key(identifier, rule)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, rule.Window)
		return nil
	})
	if err != nil {
		l.logger.Warn("rate limit check failed, failing open", "key", key, "error", err)
		return true, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}

	return incr.Val() <= int64(rule.Limit), nil
}

// Remaining returns the number of hits the identifier has left in the current
// window for the given rule. Returns the full limit if the key does not exist
// yet or on Redis errors (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := l.key(identifier, rule)

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		return rule.Limit, fmt.Errorf("ratelimit: get %s: %w", key, err)
	}

	return max(rule.Limit-count, 0), nil
}
