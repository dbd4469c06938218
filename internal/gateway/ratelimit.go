package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CheckResult is the rate limiter verdict for one attempt.
type CheckResult struct {
	Allowed      bool
	Remaining    int
	RetryAfterMs int64
}

// RateLimiter bounds request and auth-failure rates per client ip and scope.
// Scopes keep webhook floods from starving operator calls.
type RateLimiter struct {
	perMinute int
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perMinute: perMinute,
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether limiting is active. perMinute <= 0 disables it.
func (r *RateLimiter) Enabled() bool { return r.perMinute > 0 }

func (r *RateLimiter) limiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(r.perMinute)/60.0), r.burst)
		r.limiters[key] = l
	}
	return l
}

// Check consumes one token for ip+scope and reports the verdict.
func (r *RateLimiter) Check(ip, scope string) CheckResult {
	if !r.Enabled() {
		return CheckResult{Allowed: true, Remaining: -1}
	}
	l := r.limiter(ip + "|" + scope)
	reservation := l.Reserve()
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		return CheckResult{Allowed: false, RetryAfterMs: delay.Milliseconds()}
	}
	return CheckResult{Allowed: true, Remaining: int(l.Tokens())}
}

// RecordFailure burns extra tokens after an auth failure so brute force
// exhausts the budget faster than polite traffic.
func (r *RateLimiter) RecordFailure(ip, scope string) {
	if !r.Enabled() {
		return
	}
	l := r.limiter(ip + "|" + scope)
	l.AllowN(time.Now(), 2)
}
