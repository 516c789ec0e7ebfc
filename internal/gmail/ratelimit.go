package gmail

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Operation represents a Gmail API operation with its quota cost.
type Operation int

const (
	OpMessagesGet    Operation = iota // 5 units
	OpMessagesList                    // 5 units
	OpMessagesModify                  // 5 units
	OpLabelsList                      // 1 unit
	OpLabelsCreate                    // 5 units
	OpProfile                         // 1 unit
)

// Cost returns the quota cost for an operation.
func (o Operation) Cost() int {
	switch o {
	case OpMessagesGet, OpMessagesList, OpMessagesModify, OpLabelsCreate:
		return 5
	default:
		return 1 // OpLabelsList, OpProfile, unknown
	}
}

// DefaultCapacity is the token bucket size (Gmail's per-user quota units per second).
const DefaultCapacity = 250

// DefaultRefillRate is quota units per second at full speed.
const DefaultRefillRate = 250.0

// MinQPS is the lowest accepted QPS setting.
const MinQPS = 0.1

const (
	defaultQPS             = 5.0
	throttleRecoveryFactor = 0.5
)

// RateLimiter meters Gmail quota units with a token bucket. After a
// 429 or quota 403 it can be throttled: no tokens are handed out until
// the throttle window ends, then the bucket refills at half speed until
// RecoverRate is called.
type RateLimiter struct {
	mu             sync.Mutex
	limiter        *rate.Limiter
	baseLimit      rate.Limit
	throttledUntil time.Time
	now            func() time.Time
}

// NewRateLimiter creates a rate limiter for the given QPS. A qps of 5
// (the default) allows the full per-user quota; lower values scale the
// refill rate down proportionally.
func NewRateLimiter(qps float64) *RateLimiter {
	if qps < MinQPS {
		qps = MinQPS
	}
	scale := qps / defaultQPS
	if scale > 1.0 {
		scale = 1.0
	}
	limit := rate.Limit(DefaultRefillRate * scale)
	return &RateLimiter{
		limiter:   rate.NewLimiter(limit, DefaultCapacity),
		baseLimit: limit,
		now:       time.Now,
	}
}

// throttleRemaining returns how long the current throttle window lasts.
// Once the window has passed the reduced refill rate stays in effect.
func (r *RateLimiter) throttleRemaining() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.throttledUntil.IsZero() {
		return 0
	}
	if d := r.throttledUntil.Sub(r.now()); d > 0 {
		return d
	}
	return 0
}

// Acquire blocks until the operation's cost is available.
// Returns an error if the context is cancelled first.
func (r *RateLimiter) Acquire(ctx context.Context, op Operation) error {
	if wait := r.throttleRemaining(); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return r.limiter.WaitN(ctx, op.Cost())
}

// TryAcquire takes the operation's cost without blocking.
// Returns false when throttled or when the bucket is short.
func (r *RateLimiter) TryAcquire(op Operation) bool {
	if r.throttleRemaining() > 0 {
		return false
	}
	return r.limiter.AllowN(r.now(), op.Cost())
}

// Available returns the number of tokens currently in the bucket.
func (r *RateLimiter) Available() float64 {
	return r.limiter.TokensAt(r.now())
}

// Throttle pauses the limiter for duration, drains the bucket and halves
// the refill rate. An existing longer window is never shortened.
func (r *RateLimiter) Throttle(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if end := now.Add(duration); end.After(r.throttledUntil) {
		r.throttledUntil = end
	}
	if n := int(r.limiter.TokensAt(now)); n > 0 {
		r.limiter.AllowN(now, n)
	}
	r.limiter.SetLimitAt(now, r.baseLimit*throttleRecoveryFactor)
}

// RecoverRate restores the original refill rate after throttling.
func (r *RateLimiter) RecoverRate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter.SetLimitAt(r.now(), r.baseLimit)
	r.throttledUntil = time.Time{}
}
