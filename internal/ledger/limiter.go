package ledger

import (
	"sync"
	"time"
)

// PromoCooldown is the per-IP spacing enforced for the promotional key.
const PromoCooldown = 60 * time.Second

// RPMTracker counts requests per API key in one-minute buckets for the
// opensource tier. Past-minute buckets are pruned on every check.
type RPMTracker struct {
	mu      sync.Mutex
	buckets map[string]map[int64]int
	now     func() time.Time
}

// NewRPMTracker creates an empty tracker.
func NewRPMTracker() *RPMTracker {
	return &RPMTracker{buckets: map[string]map[int64]int{}, now: time.Now}
}

// Allow records one request for the key and reports whether it stays within
// rpmLimit for the current minute. A non-positive limit allows everything.
func (t *RPMTracker) Allow(apiKey string, rpmLimit int) bool {
	if rpmLimit <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	minute := t.now().Unix() / 60
	perKey := t.buckets[apiKey]
	if perKey == nil {
		perKey = map[int64]int{}
		t.buckets[apiKey] = perKey
	}
	for m := range perKey {
		if m < minute {
			delete(perKey, m)
		}
	}
	if perKey[minute] >= rpmLimit {
		return false
	}
	perKey[minute]++
	return true
}

// PromoLimiter enforces a fixed per-IP cooldown for the promotional key.
type PromoLimiter struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	cooldown time.Duration
	now      func() time.Time
}

// NewPromoLimiter creates a limiter with the default cooldown.
func NewPromoLimiter() *PromoLimiter {
	return &PromoLimiter{lastSeen: map[string]time.Time{}, cooldown: PromoCooldown, now: time.Now}
}

// Allow records a request from ip and reports whether the cooldown has
// elapsed since the previous one.
func (p *PromoLimiter) Allow(ip string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if last, ok := p.lastSeen[ip]; ok && now.Sub(last) < p.cooldown {
		return false
	}
	p.lastSeen[ip] = now
	return true
}
