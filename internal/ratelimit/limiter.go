// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. Counters live in Redis so that a limit holds for a
// session no matter which server instance it talks to.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/linechat/internal/chat"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:line:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// LineRule limits chat lines per session to limit per window.
func LineRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:line:", Limit: limit, Window: window}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger *slog.Logger) *Limiter {
	return &Limiter{client: client, logger: logger.With("component", "ratelimit")}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("redis INCR failed, failing open", "key", key, "error", err)
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("redis EXPIRE failed, failing open", "key", key, "error", err)
			// A key without TTL would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		return false, nil
	}

	return true, nil
}

// SessionLimiter applies one rule to chat sessions. It implements chat.Limiter.
type SessionLimiter struct {
	limiter *Limiter
	rule    Rule
}

var _ chat.Limiter = (*SessionLimiter)(nil)

// ForSessions binds rule to l.
func (l *Limiter) ForSessions(rule Rule) *SessionLimiter {
	return &SessionLimiter{limiter: l, rule: rule}
}

func (s *SessionLimiter) Allow(ctx context.Context, sessionID string) (bool, error) {
	return s.limiter.Allow(ctx, sessionID, s.rule)
}
