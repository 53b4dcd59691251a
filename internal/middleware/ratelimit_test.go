package middleware

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterAllowBeforeFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 5)
	defer rl.Stop()

	if !rl.Allow("key:unknown") {
		t.Fatal("Allow should return true for a key with no recorded failures")
	}
}

func TestRateLimiterAllowAfterSingleFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 5)
	defer rl.Stop()

	rl.RecordFailure("key:abc123")
	// Burst is 5, one consumed by RecordFailure, so Allow should still pass
	if !rl.Allow("key:abc123") {
		t.Fatal("Allow should return true after single failure with burst 5")
	}
}

func TestRateLimiterExceedLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 3)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		rl.RecordFailure("key:abc123")
	}

	// All burst tokens consumed; Allow should now fail
	if rl.Allow("key:abc123") {
		t.Fatal("Allow should return false after exceeding limit")
	}
}

func TestRateLimiterKeysIndependent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 2)
	defer rl.Stop()

	for i := 0; i < 2; i++ {
		rl.RecordFailure("key:abc123")
	}
	if rl.Allow("key:abc123") {
		t.Fatal("key:abc123 should be rate limited")
	}

	// A different API key keeps its own budget even from the same caller.
	if !rl.Allow("key:def456") {
		t.Fatal("key:def456 should not be rate limited")
	}
	if !rl.Allow("ip:10.0.0.1") {
		t.Fatal("ip fallback keys should not share the key's budget")
	}
}

func TestRateLimiterDefaultMaxFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 0) // should default to 10
	defer rl.Stop()

	for i := 0; i < DefaultMaxFailuresPerMinute; i++ {
		rl.RecordFailure("key:abc123")
	}
	if rl.Allow("key:abc123") {
		t.Fatal("should be rate limited after default max failures")
	}
}

func TestRateLimiterMaxTrackedKeys(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 5)
	defer rl.Stop()
	rl.maxTrackedKeys = 3

	rl.RecordFailure("key:a")
	rl.RecordFailure("key:b")
	rl.RecordFailure("key:c")
	// Adding a 4th should evict the oldest
	rl.RecordFailure("key:d")

	rl.mu.Lock()
	count := len(rl.entries)
	rl.mu.Unlock()
	if count > 3 {
		t.Fatalf("expected at most 3 tracked keys, got %d", count)
	}
}

func TestRateLimiterRemoveStale(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 5)
	defer rl.Stop()

	rl.RecordFailure("key:stale")
	// Manually backdate the entry
	rl.mu.Lock()
	rl.entries["key:stale"].lastSeen = time.Now().Add(-10 * time.Minute)
	rl.mu.Unlock()

	rl.removeStale()

	rl.mu.Lock()
	_, exists := rl.entries["key:stale"]
	rl.mu.Unlock()
	if exists {
		t.Fatal("expected stale entry to be removed")
	}
}

func TestRateLimiterStopCancelsCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 5)
	rl.Stop()
	// Should not panic or block
}

func TestThrottleKey(t *testing.T) {
	tests := []struct {
		name          string
		authorization string
		remoteAddr    string
		want          string
	}{
		{"bearer with key id", "Bearer abc123.secret", "10.0.0.1:4431", "key:abc123"},
		{"no dot in token", "Bearer nodots", "10.0.0.1:4431", "ip:10.0.0.1"},
		{"missing header", "", "10.0.0.2:9999", "ip:10.0.0.2"},
		{"malformed header", "Basic abc", "[::1]:8080", "ip:::1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ThrottleKey(tc.authorization, tc.remoteAddr); got != tc.want {
				t.Errorf("ThrottleKey(%q, %q) = %q, want %q", tc.authorization, tc.remoteAddr, got, tc.want)
			}
		})
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
		{"", ""},
	}
	for _, tt := range tests {
		got := ExtractIP(tt.input)
		if got != tt.want {
			t.Errorf("ExtractIP(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
