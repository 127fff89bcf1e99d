package server

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiterEntry tracks a per-client limiter with its last access time
type rateLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimitedWriter wraps an io.Writer with token-bucket rate limiting.
// Large frames are split into burst-sized writes so WaitN never exceeds
// the limiter's burst.
type RateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
}

func (rl *RateLimitedWriter) Write(p []byte) (int, error) {
	if rl.limiter == nil {
		return rl.w.Write(p)
	}
	written := 0
	burst := rl.limiter.Burst()
	for written < len(p) {
		n := len(p) - written
		if n > burst {
			n = burst
		}
		if err := rl.limiter.WaitN(context.Background(), n); err != nil {
			return written, err
		}
		m, err := rl.w.Write(p[written : written+n])
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// rateLimiters holds per-client limiters keyed by client IP.
type rateLimiters struct {
	mbps    float64
	mu      sync.Mutex
	entries map[string]*rateLimiterEntry
}

func newRateLimiters(mbps float64) *rateLimiters {
	return &rateLimiters{
		mbps:    mbps,
		entries: make(map[string]*rateLimiterEntry),
	}
}

// get returns the limiter for a client IP, nil when limiting is disabled.
func (r *rateLimiters) get(clientIP string) *rate.Limiter {
	if r.mbps <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[clientIP]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	// Convert Mbps to bytes per second
	bytesPerSecond := (r.mbps * 1_000_000) / 8
	burst := max(
		// 100ms burst
		int(bytesPerSecond/10),
		// Minimum 4KB burst
		4096,
	)

	lim := rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
	r.entries[clientIP] = &rateLimiterEntry{limiter: lim, lastAccess: time.Now()}
	return lim
}

// cleanup removes limiters untouched for over an hour.
func (r *rateLimiters) cleanup() {
	staleThreshold := time.Now().Add(-1 * time.Hour)

	r.mu.Lock()
	defer r.mu.Unlock()
	for ip, entry := range r.entries {
		if entry.lastAccess.Before(staleThreshold) {
			delete(r.entries, ip)
		}
	}
}
