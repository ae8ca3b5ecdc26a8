package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultAuthFailuresPerMinute = 10

	// Caps the per-IP table so an attacker rotating source addresses
	// cannot grow it without bound.
	maxTrackedClients = 10000

	sweepInterval  = time.Minute
	idleEvictAfter = 5 * time.Minute
)

// clientBucket pairs a token bucket with the last time the client was seen,
// so quiet clients can be swept out.
type clientBucket struct {
	tokens  *rate.Limiter
	touched time.Time
}

// RateLimiter throttles failed authentication attempts per client IP.
// Successful requests are never counted; an IP with no recorded failures
// is always allowed.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientBucket
	perMin   int
	capacity int
	stop     context.CancelFunc
}

// NewRateLimiter starts a limiter allowing maxPerMinute failed attempts per
// IP (0 selects the default of 10) and a background sweeper that forgets
// idle IPs. Stop the limiter when done.
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = defaultAuthFailuresPerMinute
	}

	ctx, cancel := context.WithCancel(ctx)
	limiter := &RateLimiter{
		clients:  make(map[string]*clientBucket),
		perMin:   maxPerMinute,
		capacity: maxTrackedClients,
		stop:     cancel,
	}

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				limiter.sweep(now)
			}
		}
	}()

	return limiter
}

// Allow reports whether ip may attempt authentication. It does not consume
// a token; only RecordFailureAndAllow does.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.clients[ip]
	if !ok {
		return true
	}
	bucket.touched = time.Now()
	return bucket.tokens.Allow()
}

// RecordFailureAndAllow charges ip one failed attempt and reports whether
// it is still under the limit.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return rl.bucketFor(ip, time.Now()).tokens.Allow()
}

// Stop shuts down the background sweeper.
func (rl *RateLimiter) Stop() {
	rl.stop()
}

func (rl *RateLimiter) bucketFor(ip string, now time.Time) *clientBucket {
	bucket, ok := rl.clients[ip]
	if ok {
		bucket.touched = now
		return bucket
	}

	if len(rl.clients) >= rl.capacity {
		rl.evictColdest()
	}

	bucket = &clientBucket{
		tokens:  rate.NewLimiter(rate.Limit(float64(rl.perMin)/60.0), rl.perMin),
		touched: now,
	}
	rl.clients[ip] = bucket
	return bucket
}

// sweep drops every IP that has been idle longer than idleEvictAfter.
func (rl *RateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, bucket := range rl.clients {
		if now.Sub(bucket.touched) > idleEvictAfter {
			delete(rl.clients, ip)
		}
	}
}

// evictColdest removes the least recently seen IP. Caller holds the lock.
func (rl *RateLimiter) evictColdest() {
	var coldestIP string
	var coldest time.Time
	for ip, bucket := range rl.clients {
		if coldestIP == "" || bucket.touched.Before(coldest) {
			coldestIP = ip
			coldest = bucket.touched
		}
	}
	if coldestIP != "" {
		delete(rl.clients, coldestIP)
	}
}

// ExtractIP strips the port from a RemoteAddr. Input without a port is
// returned unchanged.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
