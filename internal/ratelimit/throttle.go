package ratelimit

import "context"

// AuthThrottle adapts Limiter to gwsession.Throttle, gating AUTH
// attempts per remote+deviceId pair per §4.11. A nil AuthThrottle or a
// nil limiter makes Allow always return true, and a Redis error also
// lets the attempt through.
type AuthThrottle struct {
	limiter *Limiter
	config  LimitConfig
}

func NewAuthThrottle(limiter *Limiter, config LimitConfig) *AuthThrottle {
	return &AuthThrottle{limiter: limiter, config: config}
}

// Allow reports whether another AUTH attempt for key is permitted.
func (t *AuthThrottle) Allow(ctx context.Context, key string) bool {
	if t == nil || t.limiter == nil {
		return true
	}
	decision, err := t.limiter.CheckRateLimit(ctx, "auth-throttle:"+key, t.config)
	if err != nil {
		return true
	}
	return decision.Allowed
}
