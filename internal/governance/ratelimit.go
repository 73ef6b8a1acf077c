package governance

import (
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/polisai/polis-safety/pkg/config"
)

// Limit defines a token bucket: a sustained rate and a burst size.
type Limit struct {
	RequestsPerSecond int
	Burst             int
}

func (l Limit) normalized() Limit {
	if l.RequestsPerSecond <= 0 {
		l.RequestsPerSecond = 100
	}
	if l.Burst <= 0 {
		l.Burst = l.RequestsPerSecond
	}
	return l
}

// LimitsFromConfig converts the server rate limit settings into a default
// limit and per-policy limits. A nil cfg yields no limits.
func LimitsFromConfig(cfg *config.RateLimitConfig) (*Limit, map[string]Limit) {
	if cfg == nil {
		return nil, nil
	}
	var def *Limit
	if cfg.RequestsPerSecond > 0 {
		def = &Limit{RequestsPerSecond: cfg.RequestsPerSecond, Burst: cfg.Burst}
	}
	perKey := make(map[string]Limit, len(cfg.Policies))
	for name, l := range cfg.Policies {
		perKey[name] = Limit{RequestsPerSecond: l.RequestsPerSecond, Burst: l.Burst}
	}
	return def, perKey
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is when the bucket next holds a whole token.
	Reset time.Time
}

// RateLimiter implements token bucket rate limiting keyed by policy name.
// Keys with an explicit limit use it; other keys get their own bucket with
// the default limit, or are unlimited when no default is set.
type RateLimiter struct {
	mu       sync.RWMutex
	buckets  map[string]*tokenBucket
	limits   map[string]Limit
	fallback *Limit
	now      func() time.Time
}

// NewRateLimiter creates a limiter. def may be nil.
func NewRateLimiter(def *Limit, perKey map[string]Limit) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
	rl.Configure(def, perKey)
	return rl
}

// Configure replaces the limits. Buckets of keys that remain limited keep
// their tokens, capped at the new burst size.
func (rl *RateLimiter) Configure(def *Limit, perKey map[string]Limit) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.limits = make(map[string]Limit, len(perKey))
	for key, l := range perKey {
		rl.limits[key] = l.normalized()
	}
	rl.fallback = nil
	if def != nil {
		n := def.normalized()
		rl.fallback = &n
	}

	buckets := make(map[string]*tokenBucket, len(rl.buckets))
	for key, bucket := range rl.buckets {
		if l, ok := rl.limitLocked(key); ok {
			bucket.configure(l, rl.now())
			buckets[key] = bucket
		}
	}
	rl.buckets = buckets
}

func (rl *RateLimiter) limitLocked(key string) (Limit, bool) {
	if l, ok := rl.limits[key]; ok {
		return l, true
	}
	if rl.fallback != nil {
		return *rl.fallback, true
	}
	return Limit{}, false
}

// Allow consumes a token for key.
func (rl *RateLimiter) Allow(key string) Decision {
	if rl == nil {
		return Decision{Allowed: true}
	}
	bucket := rl.bucket(key)
	if bucket == nil {
		return Decision{Allowed: true}
	}
	return bucket.take(rl.now())
}

func (rl *RateLimiter) bucket(key string) *tokenBucket {
	rl.mu.RLock()
	bucket, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, ok := rl.buckets[key]; ok {
		return bucket
	}
	l, ok := rl.limitLocked(key)
	if !ok {
		return nil
	}
	bucket = newTokenBucket(l, rl.now())
	rl.buckets[key] = bucket
	return bucket
}

// Stats returns the state of every active bucket, sorted by key.
func (rl *RateLimiter) Stats() []RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	stats := make([]RateLimitStats, 0, len(rl.buckets))
	for key, bucket := range rl.buckets {
		s := bucket.stats(now)
		s.Key = key
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats
}

// RateLimitStats exposes current state of a rate limit bucket.
type RateLimitStats struct {
	Key       string  `json:"key"`
	Limit     int     `json:"limit"`
	BurstSize int     `json:"burst_size"`
	Available float64 `json:"available"`
}

// tokenBucket implements a token bucket algorithm for rate limiting.
type tokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64 // maximum burst size
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(l Limit, now time.Time) *tokenBucket {
	return &tokenBucket{
		rate:       float64(l.RequestsPerSecond),
		capacity:   float64(l.Burst),
		tokens:     float64(l.Burst),
		lastRefill: now,
	}
}

func (tb *tokenBucket) configure(l Limit, now time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	grow := float64(l.Burst) - tb.capacity
	tb.rate = float64(l.RequestsPerSecond)
	tb.capacity = float64(l.Burst)
	if grow > 0 {
		tb.tokens += grow
	}
	tb.tokens = math.Min(tb.tokens, tb.capacity)
}

func (tb *tokenBucket) take(now time.Time) Decision {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	allowed := tb.tokens >= 1
	if allowed {
		tb.tokens--
	}

	reset := now
	if tb.tokens < 1 {
		reset = now.Add(time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second)))
	}
	return Decision{
		Allowed:   allowed,
		Limit:     int(tb.capacity),
		Remaining: int(tb.tokens),
		Reset:     reset,
	}
}

func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*tb.rate)
		tb.lastRefill = now
	}
}

func (tb *tokenBucket) stats(now time.Time) RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return RateLimitStats{
		Limit:     int(tb.rate),
		BurstSize: int(tb.capacity),
		Available: tb.tokens,
	}
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, d Decision) {
	if d.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		retry := int(math.Ceil(time.Until(d.Reset).Seconds()))
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}
}
