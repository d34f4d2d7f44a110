// Package ratelimit applies a token bucket per authenticated user.
// Buckets for users that have gone quiet are swept out on a deadline so
// the map stays bounded by the active population.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type PerUser struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu        sync.Mutex
	byUser    map[string]*bucket
	nextSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a per-user limiter; returns nil (meaning "always allow")
// if args are invalid.
func New(rps float64, burst int, idleTTL time.Duration) *PerUser {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &PerUser{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byUser:  make(map[string]*bucket),
	}
}

// Allow reports whether one token can be consumed for userID at now.
// Unidentified callers are never limited here; the caller is expected
// to key them some other way (the server falls back to the remote host).
func (l *PerUser) Allow(userID string, now time.Time) bool {
	if l == nil {
		return true
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byUser[userID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byUser[userID] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	if now.After(l.nextSweep) {
		l.sweepLocked(now)
	}
	return allowed
}

// Len reports how many users currently hold a bucket.
func (l *PerUser) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byUser)
}

// sweepLocked drops buckets idle past the TTL and schedules the next
// sweep. Callers hold l.mu.
func (l *PerUser) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for userID, b := range l.byUser {
		if b.lastSeen.Before(cutoff) {
			delete(l.byUser, userID)
		}
	}
	l.nextSweep = now.Add(l.idleTTL / 2)
}
