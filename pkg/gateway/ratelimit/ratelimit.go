// Package ratelimit holds per-user in-memory limits: a token bucket for
// request rate and a cap on concurrently open live sessions.
package ratelimit

import (
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	MaxLiveSessions int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*userLimiter
}

type userLimiter struct {
	mu sync.Mutex

	tb tokenBucket

	liveSem chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*userLimiter),
	}
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AllowRequest applies the token bucket for one request.
func (l *Limiter) AllowRequest(userID string, now time.Time) Decision {
	if l.cfg.RPS <= 0 || l.cfg.Burst <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	ul := l.getOrCreate(userID, now)
	ul.touch(now)

	ok, retryAfter := ul.allowToken(now, l.cfg.RPS, l.cfg.Burst)
	if !ok {
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}
	return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
}

// AcquireLiveSession reserves one live-session slot for the user. The
// returned permit must be released when the connection closes.
func (l *Limiter) AcquireLiveSession(userID string, now time.Time) Decision {
	if l.cfg.MaxLiveSessions <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	ul := l.getOrCreate(userID, now)
	ul.touch(now)

	select {
	case ul.liveSem <- struct{}{}:
		return Decision{
			Allowed: true,
			Permit:  &Permit{release: func() { <-ul.liveSem }},
		}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

func (l *Limiter) getOrCreate(userID string, now time.Time) *userLimiter {
	if userID == "" {
		userID = "anonymous"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if ul, ok := l.m[userID]; ok {
		return ul
	}
	if len(l.m) >= l.cfg.MaxEntries {
		l.evictStaleLocked(now)
	}
	ul := &userLimiter{
		tb:       tokenBucket{tokens: float64(l.cfg.Burst), last: now},
		lastSeen: now,
	}
	if l.cfg.MaxLiveSessions > 0 {
		ul.liveSem = make(chan struct{}, l.cfg.MaxLiveSessions)
	}
	l.m[userID] = ul
	return ul
}

// evictStaleLocked drops idle entries; entries with live sessions held
// are kept regardless of age.
func (l *Limiter) evictStaleLocked(now time.Time) {
	for key, ul := range l.m {
		ul.mu.Lock()
		stale := now.Sub(ul.lastSeen) > l.cfg.EntryTTL && len(ul.liveSem) == 0
		ul.mu.Unlock()
		if stale {
			delete(l.m, key)
		}
	}
}

func (u *userLimiter) touch(now time.Time) {
	u.mu.Lock()
	u.lastSeen = now
	u.mu.Unlock()
}

func (u *userLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	u.mu.Lock()
	defer u.mu.Unlock()

	elapsed := now.Sub(u.tb.last).Seconds()
	if elapsed > 0 {
		u.tb.tokens += elapsed * rps
		if cap := float64(burst); u.tb.tokens > cap {
			u.tb.tokens = cap
		}
		u.tb.last = now
	}
	if u.tb.tokens >= 1 {
		u.tb.tokens--
		return true, 0
	}
	deficit := 1 - u.tb.tokens
	retryAfter := int(deficit/rps) + 1
	return false, retryAfter
}
