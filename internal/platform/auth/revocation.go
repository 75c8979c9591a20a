package auth

import (
	"sync"
	"time"
)

// RevocationList tracks bearer tokens that must no longer be accepted,
// either individually by JTI or in bulk for a user. Expired entries are
// swept by a background goroutine.
type RevocationList struct {
	mu      sync.RWMutex
	tokens  map[string]time.Time // jti -> token expiry
	cutoffs map[string]cutoff    // userID -> issued-before cutoff
	maxAge  time.Duration
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

type cutoff struct {
	at      time.Time
	expires time.Time
}

// NewRevocationList creates a list and starts its sweep. maxAge bounds how
// long a user-wide cutoff is kept; it should be at least the longest token
// lifetime the issuer hands out.
func NewRevocationList(maxAge, sweepEvery time.Duration) *RevocationList {
	l := newRevocationList(maxAge, func() time.Time { return time.Now().UTC() })
	if sweepEvery > 0 {
		go l.sweepLoop(sweepEvery)
	}
	return l
}

func newRevocationList(maxAge time.Duration, now func() time.Time) *RevocationList {
	return &RevocationList{
		tokens:  make(map[string]time.Time),
		cutoffs: make(map[string]cutoff),
		maxAge:  maxAge,
		now:     now,
		done:    make(chan struct{}),
	}
}

// Revoke rejects a single token until its natural expiry.
func (l *RevocationList) Revoke(jti string, expiresAt time.Time) {
	if jti == "" {
		return
	}
	l.mu.Lock()
	l.tokens[jti] = expiresAt
	l.mu.Unlock()
}

// RevokeUser rejects every token issued to userID at or before now.
func (l *RevocationList) RevokeUser(userID string) {
	now := l.now()
	l.mu.Lock()
	l.cutoffs[userID] = cutoff{at: now, expires: now.Add(l.maxAge)}
	l.mu.Unlock()
}

// IsRevoked reports whether a token with the given claims was revoked.
func (l *RevocationList) IsRevoked(c *Claims) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if c.ID != "" {
		if _, ok := l.tokens[c.ID]; ok {
			return true
		}
	}
	co, ok := l.cutoffs[c.Subject]
	if !ok {
		return false
	}
	if c.IssuedAt == nil {
		return true
	}
	return !c.IssuedAt.Time.After(co.at)
}

// Count returns the number of tracked token and user entries.
func (l *RevocationList) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tokens) + len(l.cutoffs)
}

// Sweep drops entries whose tokens can no longer be presented.
func (l *RevocationList) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for jti, exp := range l.tokens {
		if now.After(exp) {
			delete(l.tokens, jti)
			removed++
		}
	}
	for uid, co := range l.cutoffs {
		if now.After(co.expires) {
			delete(l.cutoffs, uid)
			removed++
		}
	}
	return removed
}

// Close stops the sweep goroutine. Safe to call more than once.
func (l *RevocationList) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *RevocationList) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
