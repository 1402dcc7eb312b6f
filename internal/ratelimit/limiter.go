// Package ratelimit backs the §4.11 AUTH attempt throttle: a Redis
// fixed-window counter keyed per remote+deviceId, atomic via a Lua
// INCR+PEXPIRE script so concurrent AUTH attempts from replicas never
// race the window's expiry.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrRedisUnavailable  = errors.New("redis unavailable")
)

// Decision is the outcome of one CheckRateLimit call.
type Decision struct {
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds
	Allowed    bool
}

// LimitConfig is how many attempts are allowed per window.
type LimitConfig struct {
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"window"`
}

// Limiter counts attempts against a single Redis-backed window per key.
type Limiter struct {
	client *redis.Client
	salt   string
}

// NewLimiter binds a Limiter to client. salt seeds HashIP so hashed
// remote addresses are stable across process restarts but not
// reversible without it.
func NewLimiter(client *redis.Client, salt string) *Limiter {
	if salt == "" {
		salt = "default-salt-change-me"
	}
	return &Limiter{client: client, salt: salt}
}

// HashIP returns a privacy-safe, stable hash of a remote address for
// use as a throttle key instead of the raw IP.
func (l *Limiter) HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + l.salt))
	return hex.EncodeToString(hash[:])
}

var incrWithExpiryScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

// CheckRateLimit increments key's counter and reports whether config.Rate
// has been exceeded within the current window. The window is fixed,
// rooted at the first increment, and reset by the key's own TTL.
func (l *Limiter) CheckRateLimit(ctx context.Context, key string, config LimitConfig) (*Decision, error) {
	count, err := incrWithExpiryScript.Run(ctx, l.client, []string{key}, config.Window.Milliseconds()).Int()
	if err != nil {
		return nil, ErrRedisUnavailable
	}

	remaining := config.Rate - count
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Limit:      config.Rate,
		Remaining:  remaining,
		Reset:      time.Now().Add(config.Window),
		RetryAfter: int(config.Window.Seconds()),
		Allowed:    count <= config.Rate,
	}, nil
}
