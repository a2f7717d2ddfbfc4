package ratelimit

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shineum/smtp-mailer-lite/internal/mailerr"
)

// fakeObserver counts limiter events.
type fakeObserver struct {
	exceeded   int
	bans       int
	banExpired int
}

func (f *fakeObserver) RecordRateLimitExceeded() { f.exceeded++ }
func (f *fakeObserver) RecordBan()               { f.bans++ }
func (f *fakeObserver) RecordBanExpired()        { f.banExpired++ }

// testLimiter returns a limiter with a controllable clock.
func testLimiter(cfg Config, obs Observer) (*Limiter, *time.Time) {
	l := New(cfg, obs, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func policy() Config {
	return Config{
		BurstLimit:             2,
		CooldownPeriod:         time.Second,
		BanDuration:            2 * time.Hour,
		MaxConsecutiveFailures: 3,
		FailureCooldown:        5 * time.Minute,
		MaxRapidAttempts:       10,
		RapidPeriod:            10 * time.Second,
	}
}

func wantRateLimit(t *testing.T, err error, fragment string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected rate limit error, got nil")
	}
	var me *mailerr.Error
	if !errors.As(err, &me) {
		t.Fatalf("error is not *mailerr.Error: %v", err)
	}
	if me.Code != mailerr.CodeRateLimit {
		t.Errorf("code: got %q, want %q", me.Code, mailerr.CodeRateLimit)
	}
	if !strings.Contains(me.Message, fragment) {
		t.Errorf("message %q does not contain %q", me.Message, fragment)
	}
}

func TestCheck_BurstLimitExceeded(t *testing.T) {
	t.Parallel()

	obs := &fakeObserver{}
	l, now := testLimiter(policy(), obs)

	// Space attempts wide enough not to trip rapid detection but stay
	// inside the one-second burst window... the rapid period is 10s, so
	// advance in sub-window steps instead and keep rapidAttempts low.
	if err := l.Check("a@b.co"); err != nil {
		t.Fatalf("first send: unexpected error: %v", err)
	}
	*now = now.Add(200 * time.Millisecond)
	if err := l.Check("a@b.co"); err != nil {
		t.Fatalf("second send: unexpected error: %v", err)
	}
	*now = now.Add(200 * time.Millisecond)
	err := l.Check("a@b.co")
	wantRateLimit(t, err, "Rate limit exceeded for recipient")
	if obs.exceeded < 1 {
		t.Errorf("rate_limit_exceeded_total: got %d, want >= 1", obs.exceeded)
	}
}

func TestCheck_WindowReset(t *testing.T) {
	t.Parallel()

	l, now := testLimiter(policy(), nil)

	if err := l.Check("a@b.co"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	*now = now.Add(300 * time.Millisecond)
	if err := l.Check("a@b.co"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Stale window: count resets, the next send is admitted.
	*now = now.Add(1100 * time.Millisecond)
	if err := l.Check("a@b.co"); err != nil {
		t.Errorf("send after window reset: unexpected error: %v", err)
	}
}

func TestCheck_RapidAttemptsBan(t *testing.T) {
	t.Parallel()

	obs := &fakeObserver{}
	cfg := policy()
	cfg.BurstLimit = 100 // keep burst out of the way
	l, now := testLimiter(cfg, obs)

	var err error
	for i := 0; i < cfg.MaxRapidAttempts; i++ {
		err = l.Check("a@b.co")
		*now = now.Add(10 * time.Millisecond)
	}
	wantRateLimit(t, err, "Too many rapid sending attempts")
	if obs.bans != 1 {
		t.Errorf("bans: got %d, want 1", obs.bans)
	}

	// Still banned on the next attempt, outside the rapid window.
	*now = now.Add(time.Minute)
	wantRateLimit(t, l.Check("a@b.co"), "temporarily banned")
}

func TestCheck_BanExpiryClearsState(t *testing.T) {
	t.Parallel()

	obs := &fakeObserver{}
	cfg := policy()
	cfg.BurstLimit = 100
	l, now := testLimiter(cfg, obs)

	for i := 0; i < cfg.MaxRapidAttempts; i++ {
		l.Check("a@b.co")
		*now = now.Add(10 * time.Millisecond)
	}
	if obs.bans != 1 {
		t.Fatalf("bans: got %d, want 1", obs.bans)
	}

	// Past expiry the ban clears atomically and the send is admitted.
	*now = now.Add(cfg.BanDuration + time.Minute)
	if err := l.Check("a@b.co"); err != nil {
		t.Fatalf("send after ban expiry: unexpected error: %v", err)
	}
	if obs.banExpired != 1 {
		t.Errorf("ban expirations: got %d, want 1", obs.banExpired)
	}
}

func TestCheck_ConsecutiveFailuresBan(t *testing.T) {
	t.Parallel()

	obs := &fakeObserver{}
	l, now := testLimiter(policy(), obs)

	l.RecordFailure([]string{"a@b.co"})
	l.RecordFailure([]string{"a@b.co"})
	l.RecordFailure([]string{"a@b.co"})

	*now = now.Add(time.Minute) // inside the failure cooldown
	wantRateLimit(t, l.Check("a@b.co"), "consecutive failures")
	if obs.bans != 1 {
		t.Errorf("bans: got %d, want 1", obs.bans)
	}
}

func TestCheck_FailureCooldownElapsedResets(t *testing.T) {
	t.Parallel()

	l, now := testLimiter(policy(), nil)

	l.RecordFailure([]string{"a@b.co"})
	l.RecordFailure([]string{"a@b.co"})
	l.RecordFailure([]string{"a@b.co"})

	*now = now.Add(6 * time.Minute) // past the failure cooldown
	if err := l.Check("a@b.co"); err != nil {
		t.Errorf("send after failure cooldown: unexpected error: %v", err)
	}
}

func TestRecordSuccess_ResetsConsecutiveFailures(t *testing.T) {
	t.Parallel()

	l, now := testLimiter(policy(), nil)

	l.RecordFailure([]string{"a@b.co"})
	l.RecordFailure([]string{"a@b.co"})
	l.RecordFailure([]string{"a@b.co"})
	l.RecordSuccess([]string{"a@b.co"})

	*now = now.Add(time.Minute)
	if err := l.Check("a@b.co"); err != nil {
		t.Errorf("send after success reset: unexpected error: %v", err)
	}
}

func TestCheck_CountNeverExceedsBurstLimit(t *testing.T) {
	t.Parallel()

	cfg := policy()
	l, now := testLimiter(cfg, nil)

	admitted := 0
	for i := 0; i < 20; i++ {
		if err := l.Check("a@b.co"); err == nil {
			admitted++
		}
		*now = now.Add(20 * time.Millisecond)
		if st := l.states["a@b.co"]; st.count > cfg.BurstLimit {
			t.Fatalf("count %d exceeds burst limit %d", st.count, cfg.BurstLimit)
		}
	}
	if admitted > cfg.BurstLimit {
		t.Errorf("admitted %d sends in one window, want <= %d", admitted, cfg.BurstLimit)
	}
}

func TestStateMap_CapEviction(t *testing.T) {
	t.Parallel()

	cfg := policy()
	cfg.MaxTrackedRecipients = 3
	l, now := testLimiter(cfg, nil)

	for _, r := range []string{"a@b.co", "b@b.co", "c@b.co"} {
		l.Check(r)
		*now = now.Add(time.Second)
	}
	l.Check("d@b.co")

	if len(l.states) != 3 {
		t.Fatalf("state map size: got %d, want 3", len(l.states))
	}
	if _, ok := l.states["a@b.co"]; ok {
		t.Error("oldest recipient should have been evicted")
	}
	if _, ok := l.states["d@b.co"]; !ok {
		t.Error("newest recipient missing from state map")
	}
}

func TestBanNotifier_Called(t *testing.T) {
	t.Parallel()

	var gotRecipient string
	cfg := policy()
	cfg.BurstLimit = 100
	l := New(cfg, nil, func(recipient string, expiry time.Time) {
		gotRecipient = recipient
	})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < cfg.MaxRapidAttempts; i++ {
		l.Check("a@b.co")
		now = now.Add(10 * time.Millisecond)
	}
	if gotRecipient != "a@b.co" {
		t.Errorf("ban notifier recipient: got %q, want %q", gotRecipient, "a@b.co")
	}
}
