// Package ratelimit provides an in-memory token-bucket limiter. It guards the
// HTTP API per client and caps outbound calls per backend.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a single token-bucket rate limiter.
type Limiter struct {
	mu         sync.Mutex
	rate       float64 // tokens added per second
	burst      float64 // maximum token capacity
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// New creates a Limiter allowing ratePerSecond requests/s with a burst
// capacity. If burst <= 0, it defaults to ratePerSecond, and to 1 when that
// is also below one.
func New(ratePerSecond, burst float64) *Limiter {
	return newWithClock(ratePerSecond, burst, time.Now)
}

func newWithClock(ratePerSecond, burst float64, now func() time.Time) *Limiter {
	if burst <= 0 {
		burst = ratePerSecond
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:       ratePerSecond,
		burst:      burst,
		tokens:     burst,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes one token and reports whether the call is permitted.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens += now.Sub(l.lastRefill).Seconds() * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastRefill = now

	if l.tokens >= 1.0 {
		l.tokens--
		return true
	}
	return false
}

type storeEntry struct {
	limiter  *Limiter
	lastSeen time.Time
}

// Store maintains per-key Limiter instances, e.g. one per client IP or user.
type Store struct {
	mu       sync.Mutex
	limiters map[string]*storeEntry
	rate     float64
	burst    float64
	idleTTL  time.Duration
	lastGC   time.Time
	now      func() time.Time
}

// NewStore creates a Store whose per-key limiters share the same rate and
// burst. Keys unused for idleTTL are forgotten; idleTTL <= 0 keeps them
// forever.
func NewStore(ratePerSecond, burst float64, idleTTL time.Duration) *Store {
	return &Store{
		limiters: make(map[string]*storeEntry),
		rate:     ratePerSecond,
		burst:    burst,
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// Allow checks, creating if needed, the limiter for key.
func (s *Store) Allow(key string) bool {
	s.mu.Lock()
	now := s.now()
	s.gc(now)
	e, ok := s.limiters[key]
	if !ok {
		e = &storeEntry{limiter: newWithClock(s.rate, s.burst, s.now)}
		s.limiters[key] = e
	}
	e.lastSeen = now
	s.mu.Unlock()
	return e.limiter.Allow()
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// gc must be called with s.mu held. It sweeps at most once per idleTTL.
func (s *Store) gc(now time.Time) {
	if s.idleTTL <= 0 || now.Sub(s.lastGC) < s.idleTTL {
		return
	}
	s.lastGC = now
	for k, e := range s.limiters {
		if now.Sub(e.lastSeen) >= s.idleTTL {
			delete(s.limiters, k)
		}
	}
}
