// Package ratelimit bounds how often a session or client IP may act on the
// typing gateway. Counters are fixed windows kept in Redis, so every gateway
// instance shares them.
package ratelimit

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campusly/presence/internal/metrics"
)

// Rule is one limit: at most Limit hits per Window for each identifier.
type Rule struct {
	Name   string        // metrics label
	Key    string        // Redis key prefix, e.g. "rl:typing:"
	Limit  int           // max hits in the window
	Window time.Duration // window length
}

// Typing frames are already throttled to one announcement per 2.5s per
// context, so RuleTyping only stops abusive clients.
var (
	// RuleTyping allows 30 typing frames per 10 seconds per session.
	RuleTyping = Rule{Name: "typing", Key: "rl:typing:", Limit: 30, Window: 10 * time.Second}

	// RuleOpen allows 30 context opens per minute per session.
	RuleOpen = Rule{Name: "open", Key: "rl:open:", Limit: 30, Window: time.Minute}

	// RuleConnect allows 20 WebSocket connections per minute per IP.
	RuleConnect = Rule{Name: "connect", Key: "rl:conn:", Limit: 20, Window: time.Minute}
)

// hitScript counts one hit and starts the window on the first. It returns
// the count and the window's remaining milliseconds. Running INCR and
// PEXPIRE together means a key can never be left without a TTL.
var hitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// Result is the outcome of one hit.
type Result struct {
	Allowed    bool
	Count      int           // hits in the current window, this one included
	RetryAfter time.Duration // until the window resets; zero when allowed
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, as sent to clients
// and in Retry-After headers.
func (r Result) RetryAfterSeconds() int {
	return int((r.RetryAfter + time.Second - 1) / time.Second)
}

// Limiter checks rules against Redis. It fails open: when Redis is
// unreachable every hit is allowed.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Hit counts one hit by identifier against rule. On a Redis error the hit is
// allowed and the error returned for logging.
func (l *Limiter) Hit(ctx context.Context, identifier string, rule Rule) (Result, error) {
	key := rule.Key + identifier

	vals, err := hitScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 2 {
		if err == nil {
			err = errors.New("ratelimit: unexpected script reply")
		}
		log.Printf("[ratelimit] hit key=%s: %v (failing open)", key, err)
		return Result{Allowed: true}, err
	}

	res := Result{Count: int(vals[0]), Allowed: int(vals[0]) <= rule.Limit}
	if !res.Allowed {
		res.RetryAfter = rule.Window
		if ttl := time.Duration(vals[1]) * time.Millisecond; ttl > 0 && ttl < rule.Window {
			res.RetryAfter = ttl
		}
		metrics.RateLimitedTotal.WithLabelValues(rule.Name).Inc()
	}
	return res, nil
}
