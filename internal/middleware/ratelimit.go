package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxFailuresPerMinute caps failed auth attempts per API key.
	DefaultMaxFailuresPerMinute = 10

	// DefaultMaxTrackedKeys bounds the number of tracked keys so memory
	// stays flat under key-enumeration attempts.
	DefaultMaxTrackedKeys = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type keyEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles repeated authentication failures per API key. A
// request that presents no key ID is throttled by caller IP instead, so
// malformed-token floods are still bounded.
type RateLimiter struct {
	mu             sync.Mutex
	entries        map[string]*keyEntry
	maxPerMinute   int
	maxTrackedKeys int
	cancel         context.CancelFunc
}

// NewRateLimiter creates a rate limiter with the given max failed attempts
// per minute per key. Pass 0 to use DefaultMaxFailuresPerMinute.
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxFailuresPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		entries:        make(map[string]*keyEntry),
		maxPerMinute:   maxPerMinute,
		maxTrackedKeys: DefaultMaxTrackedKeys,
		cancel:         cancel,
	}
	go rl.cleanup(ctx)
	return rl
}

// ThrottleKey derives the limiter key for a request: the API key ID carried
// by the bearer token when it has one, else the caller IP. The prefixes keep
// the two namespaces from colliding.
func ThrottleKey(authorizationHeader, remoteAddr string) string {
	if keyID := apiKeyIDFromBearer(authorizationHeader); keyID != "" {
		return "key:" + keyID
	}
	return "ip:" + ExtractIP(remoteAddr)
}

// Allow reports whether the given key may make another auth attempt.
// Keys with no recorded failures are always allowed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[key]
	if !ok {
		return true
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// RecordFailure records a failed auth attempt for the given key.
func (rl *RateLimiter) RecordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e := rl.getOrCreateEntryLocked(key, time.Now())
	e.limiter.Allow() // consume a token
}

// RecordFailureAndAllow records a failed attempt for key and returns whether
// the attempt is still within the configured rate limit.
func (rl *RateLimiter) RecordFailureAndAllow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e := rl.getOrCreateEntryLocked(key, time.Now())
	return e.limiter.Allow()
}

func (rl *RateLimiter) getOrCreateEntryLocked(key string, now time.Time) *keyEntry {
	e, ok := rl.entries[key]
	if !ok {
		if len(rl.entries) >= rl.maxTrackedKeys {
			rl.evictOldestLocked()
		}
		r := rate.Limit(float64(rl.maxPerMinute) / 60.0)
		e = &keyEntry{
			limiter:  rate.NewLimiter(r, rl.maxPerMinute),
			lastSeen: now,
		}
		rl.entries[key] = e
	}
	e.lastSeen = now
	return e
}

// Stop cancels the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.removeStale()
		}
	}
}

func (rl *RateLimiter) removeStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for key, e := range rl.entries {
		if now.Sub(e.lastSeen) > staleThreshold {
			delete(rl.entries, key)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for key, e := range rl.entries {
		if first || e.lastSeen.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.lastSeen
			first = false
		}
	}
	if oldestKey != "" {
		delete(rl.entries, oldestKey)
	}
}

// ExtractIP extracts the IP address from a RemoteAddr string, stripping the port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr // already just an IP
	}
	return host
}
