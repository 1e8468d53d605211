package ratelimit

import (
	"context"
	"time"
)

// Policy applies a Rule per inbound message type. Types without a rule are
// never limited.
type Policy struct {
	limiter *Limiter
	rules   map[string]Rule
}

// NewPolicy creates a policy that limits each message type with its rule.
func NewPolicy(limiter *Limiter, rules map[string]Rule) *Policy {
	return &Policy{limiter: limiter, rules: rules}
}

// Allow reports whether connID may send another message of msgType. When it
// may not, retryAfter says how long until the window resets. Redis errors
// fail open.
func (p *Policy) Allow(ctx context.Context, connID, msgType string) (bool, time.Duration) {
	rule, ok := p.rules[msgType]
	if !ok {
		return true, 0
	}

	allowed, _ := p.limiter.Allow(ctx, connID, rule)
	if allowed {
		return true, 0
	}
	return false, p.limiter.RetryAfter(ctx, connID, rule)
}

// AdmitFunc returns a check for new connections from one client address,
// limited by rule. Redis errors fail open.
func (l *Limiter) AdmitFunc(rule Rule) func(ctx context.Context, addr string) (bool, time.Duration) {
	return func(ctx context.Context, addr string) (bool, time.Duration) {
		allowed, _ := l.Allow(ctx, addr, rule)
		if allowed {
			return true, 0
		}
		return false, l.RetryAfter(ctx, addr, rule)
	}
}
