// Package ratelimit enforces the per-recipient sending policy: burst counting
// within a cooldown window, rapid-attempt detection, consecutive-failure
// tracking, and time-bounded bans.
package ratelimit

import (
	"sync"
	"time"

	"github.com/shineum/smtp-mailer-lite/internal/mailerr"
)

// Config holds the rate limiting policy knobs.
type Config struct {
	// BurstLimit is the maximum admissions per recipient within one window.
	BurstLimit int

	// CooldownPeriod is the burst window length.
	CooldownPeriod time.Duration

	// BanDuration is how long a banned recipient stays rejected.
	BanDuration time.Duration

	// MaxConsecutiveFailures triggers a ban when failures keep arriving
	// within FailureCooldown.
	MaxConsecutiveFailures int
	FailureCooldown        time.Duration

	// MaxRapidAttempts within RapidPeriod triggers a ban.
	MaxRapidAttempts int
	RapidPeriod      time.Duration

	// MaxTrackedRecipients caps the state map; the entry with the oldest
	// attempt is evicted when the cap is hit.
	MaxTrackedRecipients int
}

// DefaultConfig is the policy applied when the configuration leaves rate
// limiting unspecified.
var DefaultConfig = Config{
	BurstLimit:             5,
	CooldownPeriod:         time.Second,
	BanDuration:            2 * time.Hour,
	MaxConsecutiveFailures: 3,
	FailureCooldown:        5 * time.Minute,
	MaxRapidAttempts:       10,
	RapidPeriod:            10 * time.Second,
	MaxTrackedRecipients:   10000,
}

// Observer receives limiter events for metrics accounting. Implementations
// must tolerate concurrent calls.
type Observer interface {
	RecordRateLimitExceeded()
	RecordBan()
	RecordBanExpired()
}

// BanNotifier is called outside metrics accounting whenever a recipient
// transitions into the banned state.
type BanNotifier func(recipient string, expiry time.Time)

// recipientState tracks one recipient. Entries are created on first sighting
// and only leave the map through cap eviction.
type recipientState struct {
	count     int
	lastReset time.Time

	banned    bool
	banExpiry time.Time

	consecutiveFailures int
	lastFailure         time.Time

	rapidAttempts int
	lastAttempt   time.Time
}

// Limiter is the per-recipient rate limit controller. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	states   map[string]*recipientState
	observer Observer
	notify   BanNotifier

	now func() time.Time
}

// New creates a Limiter. observer and notify may be nil.
func New(cfg Config, observer Observer, notify BanNotifier) *Limiter {
	if cfg.MaxTrackedRecipients <= 0 {
		cfg.MaxTrackedRecipients = DefaultConfig.MaxTrackedRecipients
	}
	return &Limiter{
		cfg:      cfg,
		states:   make(map[string]*recipientState),
		observer: observer,
		notify:   notify,
		now:      time.Now,
	}
}

// Check admits or rejects one send attempt to recipient. The checks run in a
// fixed order: rapid-attempt detection, active ban, consecutive-failure ban,
// window reset, burst count. A nil return admits the attempt and consumes one
// slot of the burst budget.
func (l *Limiter) Check(recipient string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(recipient, now)

	// Rapid-attempt detection.
	if now.Sub(st.lastAttempt) < l.cfg.RapidPeriod {
		st.rapidAttempts++
		if st.rapidAttempts >= l.cfg.MaxRapidAttempts {
			st.lastAttempt = now
			l.ban(recipient, st, now)
			return mailerr.New(mailerr.CodeRateLimit, "Too many rapid sending attempts").
				WithContext("recipient", recipient).
				WithContext("ban_expiry", st.banExpiry)
		}
	} else {
		st.rapidAttempts = 1
	}
	st.lastAttempt = now

	// Active ban.
	if st.banned {
		if now.Before(st.banExpiry) {
			if l.observer != nil {
				l.observer.RecordRateLimitExceeded()
			}
			return mailerr.Newf(mailerr.CodeRateLimit,
				"Recipient %s is temporarily banned until %s", recipient,
				st.banExpiry.Format(time.RFC3339)).
				WithContext("recipient", recipient).
				WithContext("ban_expiry", st.banExpiry)
		}
		// Ban expired: clear everything in one step.
		st.banned = false
		st.banExpiry = time.Time{}
		st.count = 0
		st.lastReset = now
		st.consecutiveFailures = 0
		st.rapidAttempts = 0
		if l.observer != nil {
			l.observer.RecordBanExpired()
		}
	}

	// Consecutive failures.
	if st.consecutiveFailures >= l.cfg.MaxConsecutiveFailures {
		if now.Sub(st.lastFailure) < l.cfg.FailureCooldown {
			l.ban(recipient, st, now)
			return mailerr.Newf(mailerr.CodeRateLimit,
				"Too many consecutive failures for %s", recipient).
				WithContext("recipient", recipient).
				WithContext("ban_expiry", st.banExpiry)
		}
		st.consecutiveFailures = 0
	}

	// Window reset.
	if now.Sub(st.lastReset) > l.cfg.CooldownPeriod {
		st.count = 0
		st.lastReset = now
	}

	// Burst budget.
	if st.count >= l.cfg.BurstLimit {
		if l.observer != nil {
			l.observer.RecordRateLimitExceeded()
		}
		return mailerr.New(mailerr.CodeRateLimit, "Rate limit exceeded for recipient").
			WithContext("recipient", recipient)
	}

	st.count++
	return nil
}

// RecordSuccess clears the consecutive-failure counter for each recipient of
// a delivered send.
func (l *Limiter) RecordSuccess(recipients []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range recipients {
		if st, ok := l.states[r]; ok {
			st.consecutiveFailures = 0
		}
	}
}

// RecordFailure bumps the consecutive-failure counter and failure timestamp
// for each recipient of a failed send.
func (l *Limiter) RecordFailure(recipients []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, r := range recipients {
		st := l.state(r, now)
		st.consecutiveFailures++
		st.lastFailure = now
	}
}

// state returns the entry for recipient, materializing it on first sighting
// and evicting the stalest entry when the cap is hit.
func (l *Limiter) state(recipient string, now time.Time) *recipientState {
	if st, ok := l.states[recipient]; ok {
		return st
	}

	if len(l.states) >= l.cfg.MaxTrackedRecipients {
		l.evictOldest()
	}

	st := &recipientState{lastReset: now}
	l.states[recipient] = st
	return st
}

// evictOldest drops the entry with the oldest attempt timestamp.
func (l *Limiter) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, st := range l.states {
		if first || st.lastAttempt.Before(oldest) {
			oldestKey = k
			oldest = st.lastAttempt
			first = false
		}
	}
	if !first {
		delete(l.states, oldestKey)
	}
}

func (l *Limiter) ban(recipient string, st *recipientState, now time.Time) {
	st.banned = true
	st.banExpiry = now.Add(l.cfg.BanDuration)
	if l.observer != nil {
		l.observer.RecordBan()
	}
	if l.notify != nil {
		l.notify(recipient, st.banExpiry)
	}
}
