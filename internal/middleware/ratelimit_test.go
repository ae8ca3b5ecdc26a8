package middleware

import (
	"context"
	"testing"
	"time"
)

func newTestRateLimiter(t *testing.T, maxPerMinute int) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(context.Background(), maxPerMinute)
	t.Cleanup(rl.Stop)
	return rl
}

func TestRateLimiterAllowsUnknownIP(t *testing.T) {
	rl := newTestRateLimiter(t, 5)

	if !rl.Allow("192.168.1.1") {
		t.Error("an IP with no recorded failures should be allowed")
	}
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	rl := newTestRateLimiter(t, 3)

	for i := 0; i < 3; i++ {
		if !rl.RecordFailureAndAllow("10.0.0.1") {
			t.Fatalf("failure %d should still be within the burst", i+1)
		}
	}
	if rl.RecordFailureAndAllow("10.0.0.1") {
		t.Error("fourth failure should exceed the burst of 3")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("Allow should report the IP as blocked once the bucket is empty")
	}
}

func TestRateLimiterTracksIPsIndependently(t *testing.T) {
	rl := newTestRateLimiter(t, 2)

	rl.RecordFailureAndAllow("10.0.0.1")
	rl.RecordFailureAndAllow("10.0.0.1")
	rl.RecordFailureAndAllow("10.0.0.1")

	if rl.Allow("10.0.0.1") {
		t.Error("exhausted IP should be blocked")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("a different IP must not share the exhausted bucket")
	}
}

func TestRateLimiterZeroSelectsDefault(t *testing.T) {
	rl := newTestRateLimiter(t, 0)

	for i := 0; i < defaultAuthFailuresPerMinute; i++ {
		rl.RecordFailureAndAllow("10.0.0.1")
	}
	if rl.Allow("10.0.0.1") {
		t.Errorf("IP should be blocked after %d failures", defaultAuthFailuresPerMinute)
	}
}

func TestRateLimiterEvictsColdestAtCapacity(t *testing.T) {
	rl := newTestRateLimiter(t, 5)
	rl.capacity = 3

	rl.RecordFailureAndAllow("1.1.1.1")
	rl.mu.Lock()
	rl.clients["1.1.1.1"].touched = time.Now().Add(-time.Minute)
	rl.mu.Unlock()
	rl.RecordFailureAndAllow("2.2.2.2")
	rl.RecordFailureAndAllow("3.3.3.3")
	rl.RecordFailureAndAllow("4.4.4.4")

	rl.mu.Lock()
	tracked := len(rl.clients)
	_, firstStillTracked := rl.clients["1.1.1.1"]
	rl.mu.Unlock()

	if tracked > 3 {
		t.Fatalf("tracked %d IPs, capacity is 3", tracked)
	}
	if firstStillTracked {
		t.Error("the least recently seen IP should have been evicted")
	}
}

func TestRateLimiterSweepsIdleIPs(t *testing.T) {
	rl := newTestRateLimiter(t, 5)

	rl.RecordFailureAndAllow("10.0.0.9")

	rl.sweep(time.Now().Add(idleEvictAfter + time.Second))

	rl.mu.Lock()
	_, tracked := rl.clients["10.0.0.9"]
	rl.mu.Unlock()
	if tracked {
		t.Error("idle IP should have been swept")
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
		if got := ExtractIP(tt.input); got != tt.want {
			t.Errorf("ExtractIP(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
