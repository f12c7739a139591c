package main

import (
	"sync"
	"time"
)

// ConnectionRateLimiter tracks connection attempts per IP over a sliding window.
type ConnectionRateLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	limit   int
	window  time.Duration
	now     func() time.Time
}

// NewConnectionRateLimiter allows limit connections per IP within window.
// A limit of zero or less allows everything.
func NewConnectionRateLimiter(limit int, window time.Duration) *ConnectionRateLimiter {
	return &ConnectionRateLimiter{
		entries: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// CheckAndRecord returns true if the connection should be allowed, false otherwise.
func (rl *ConnectionRateLimiter) CheckAndRecord(ip string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	timestamps := rl.entries[ip]
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= rl.limit {
		rl.entries[ip] = kept
		return false
	}
	rl.entries[ip] = append(kept, now)
	rl.pruneLocked(cutoff)
	return true
}

// pruneLocked drops IPs whose every attempt is older than cutoff.
func (rl *ConnectionRateLimiter) pruneLocked(cutoff time.Time) {
	for ip, timestamps := range rl.entries {
		if len(timestamps) == 0 || !timestamps[len(timestamps)-1].After(cutoff) {
			delete(rl.entries, ip)
		}
	}
}
