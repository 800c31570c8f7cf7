// SPDX-License-Identifier: MIT

// Package ratelimit enforces a per-(user, action) token bucket for
// command-driven mutations (mute, ban, kick, rename), per SPEC_FULL §5,
// using golang.org/x/time/rate's bucket semantics. One *rate.Limiter is
// kept per (user_id, action) pair and periodically swept, mirroring the
// per-key limiter map the teacher uses for per-IP limits.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/voicewarden/voicewarden/internal/metrics"
)

// Config bounds one action to MaxActions per Window, translated into a
// rate.Limit of MaxActions tokens refilling continuously over Window with
// a burst equal to MaxActions.
type Config struct {
	MaxActions int
	Window     time.Duration
}

// DefaultConfig allows 5 actions per 10 seconds, a reasonable default for
// moderation commands like mute/kick/rename.
func DefaultConfig() Config {
	return Config{MaxActions: 5, Window: 10 * time.Second}
}

func (c Config) limit() rate.Limit {
	return rate.Every(c.Window / time.Duration(c.MaxActions))
}

// cleanupInterval bounds how long an idle (user_id, action) limiter is kept
// before being swept, so a long-running process doesn't accumulate one
// entry per distinct user forever.
const cleanupInterval = 10 * time.Minute

type entry struct {
	limiter    *rate.Limiter
	lastSeenAt time.Time
}

// Limiter enforces per-(user, action) rate limits. x/time/rate's token
// bucket keeps its state in-process and unexported, so unlike the rest of
// the voice-room state this is not cache-backed and does not survive a
// process restart — a restart simply grants every key a fresh bucket.
type Limiter struct {
	mu          sync.Mutex
	entries     map[string]*entry
	lastCleanup time.Time
}

// New constructs a Limiter.
func New() *Limiter {
	return &Limiter{entries: make(map[string]*entry), lastCleanup: time.Now()}
}

// Allow reports whether userID may perform action right now under cfg,
// consuming one token as a side effect when permitted. A refused call must
// not be performed and must not be logged, per SPEC_FULL §5.
func (l *Limiter) Allow(ctx context.Context, userID, action string, cfg Config) (bool, error) {
	lim := l.limiterFor(userID, action, cfg)
	if !lim.AllowN(time.Now(), 1) {
		metrics.RateLimitRejectedTotal.WithLabelValues(action).Inc()
		return false, nil
	}
	return true, nil
}

func (l *Limiter) limiterFor(userID, action string, cfg Config) *rate.Limiter {
	key := userID + ":" + action
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(cfg.limit(), cfg.MaxActions)}
		l.entries[key] = e
	}
	e.lastSeenAt = now

	l.maybeCleanup(now)
	return e.limiter
}

// maybeCleanup drops limiters idle past cleanupInterval. Called with mu
// held.
func (l *Limiter) maybeCleanup(now time.Time) {
	if now.Sub(l.lastCleanup) < cleanupInterval {
		return
	}
	for key, e := range l.entries {
		if now.Sub(e.lastSeenAt) >= cleanupInterval {
			delete(l.entries, key)
		}
	}
	l.lastCleanup = now
}
