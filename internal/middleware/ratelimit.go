package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute bounds failed auth attempts per IP when no
	// explicit limit is configured.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs caps the tracking map so a spray of spoofed
	// addresses cannot grow memory without bound.
	DefaultMaxTrackedIPs = 10000

	sweepEvery    = time.Minute
	idleRetention = 5 * time.Minute
)

// bucket holds the token bucket for a single client IP.
type bucket struct {
	lim     *rate.Limiter
	touched time.Time
}

// RateLimiter throttles repeated authentication failures per client IP.
// An IP that has never failed carries no state and is never throttled.
type RateLimiter struct {
	mu        sync.Mutex
	seen      map[string]*bucket
	perMinute int
	capacity  int
	stop      context.CancelFunc
}

// NewRateLimiter returns a limiter permitting maxPerMinute failed attempts
// per IP, defaulting to DefaultMaxAttemptsPerMinute when maxPerMinute is
// zero or negative. Idle IPs are swept by a goroutine that runs until Stop
// or ctx cancellation.
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		seen:      make(map[string]*bucket),
		perMinute: maxPerMinute,
		capacity:  DefaultMaxTrackedIPs,
		stop:      cancel,
	}
	go rl.sweepLoop(ctx)
	return rl
}

// Allow reports whether ip may attempt authentication. Only IPs with prior
// recorded failures consume tokens here.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.seen[ip]
	if !ok {
		return true
	}
	b.touched = time.Now()
	return b.lim.Allow()
}

// RecordFailureAndAllow charges one failed attempt to ip and reports whether
// ip remains under its limit.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.bucketFor(ip, time.Now()).lim.Allow()
}

// Stop terminates the background sweep goroutine.
func (rl *RateLimiter) Stop() {
	rl.stop()
}

// bucketFor returns the bucket for ip, creating one if needed. Callers must
// hold rl.mu.
func (rl *RateLimiter) bucketFor(ip string, now time.Time) *bucket {
	b, ok := rl.seen[ip]
	if !ok {
		if len(rl.seen) >= rl.capacity {
			rl.evictColdest()
		}
		b = &bucket{
			lim: rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60.0), rl.perMinute),
		}
		rl.seen[ip] = b
	}
	b.touched = now
	return b
}

// evictColdest drops the least recently touched bucket. Callers must hold
// rl.mu.
func (rl *RateLimiter) evictColdest() {
	var victim string
	var coldest time.Time
	for ip, b := range rl.seen {
		if coldest.IsZero() || b.touched.Before(coldest) {
			victim = ip
			coldest = b.touched
		}
	}
	if victim != "" {
		delete(rl.seen, victim)
	}
}

func (rl *RateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.sweepIdle(now)
		}
	}
}

// sweepIdle discards buckets untouched for longer than idleRetention.
func (rl *RateLimiter) sweepIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, b := range rl.seen {
		if now.Sub(b.touched) > idleRetention {
			delete(rl.seen, ip)
		}
	}
}

// ExtractIP strips the port from a RemoteAddr value, returning the input
// unchanged when it carries no port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
