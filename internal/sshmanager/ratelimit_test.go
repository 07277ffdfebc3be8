package sshmanager

import (
	"testing"
	"time"

	"github.com/gluk-w/termctl/internal/apperr"
)

func newTestRateLimiter(clock *fakeClock, cfg RateLimitConfig) *RateLimiter {
	rl := NewRateLimiter(cfg, nil)
	rl.nowFn = clock.Now
	return rl
}

func TestRateLimiter_AllowUnderLimit(t *testing.T) {
	clock := newFakeClock(time.Now())
	rl := newTestRateLimiter(clock, DefaultRateLimitConfig())

	for i := 0; i < DefaultMaxAttemptsPerMinute; i++ {
		if err := rl.Allow(1); err != nil {
			t.Fatalf("Allow() attempt %d: unexpected error: %v", i+1, err)
		}
	}
}

func TestRateLimiter_BlocksAfterMaxAttempts(t *testing.T) {
	clock := newFakeClock(time.Now())
	rl := newTestRateLimiter(clock, DefaultRateLimitConfig())

	for i := 0; i < DefaultMaxAttemptsPerMinute; i++ {
		if err := rl.Allow(1); err != nil {
			t.Fatalf("Allow() attempt %d: unexpected error: %v", i+1, err)
		}
	}
	err := rl.Allow(1)
	if !apperr.IsKind(err, apperr.KindResourceExhausted) {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
	if got := apperr.Attributes(err)["retry_after"]; got != "1m0s" {
		t.Errorf("retry_after = %v, want 1m0s", got)
	}

	// Other endpoints are unaffected.
	if err := rl.Allow(2); err != nil {
		t.Errorf("Allow(2): unexpected error: %v", err)
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	clock := newFakeClock(time.Now())
	rl := newTestRateLimiter(clock, RateLimitConfig{MaxAttemptsPerMinute: 2, MaxConsecFailures: 5, BlockDuration: time.Minute})

	rl.Allow(1)
	clock.Advance(30 * time.Second)
	rl.Allow(1)
	if err := rl.Allow(1); err == nil {
		t.Fatal("expected third attempt in window to be rejected")
	}

	clock.Advance(31 * time.Second)
	if err := rl.Allow(1); err != nil {
		t.Errorf("expected attempt after oldest expired to pass, got %v", err)
	}
}

func TestRateLimiter_ConsecutiveFailuresBlock(t *testing.T) {
	clock := newFakeClock(time.Now())
	rl := newTestRateLimiter(clock, DefaultRateLimitConfig())

	for i := 0; i < DefaultMaxConsecFailures; i++ {
		rl.RecordFailure(1)
	}
	err := rl.Allow(1)
	if !apperr.IsKind(err, apperr.KindResourceExhausted) {
		t.Fatalf("expected blocked endpoint, got %v", err)
	}
	st := rl.Status(1)
	if !st.Blocked || st.BlockedUntil == nil || st.ConsecFailures != DefaultMaxConsecFailures {
		t.Errorf("unexpected status: %+v", st)
	}

	clock.Advance(DefaultBlockDuration + time.Second)
	if err := rl.Allow(1); err != nil {
		t.Errorf("expected block to expire, got %v", err)
	}
}

func TestRateLimiter_SuccessResetsFailures(t *testing.T) {
	clock := newFakeClock(time.Now())
	rl := newTestRateLimiter(clock, DefaultRateLimitConfig())

	for i := 0; i < DefaultMaxConsecFailures-1; i++ {
		rl.RecordFailure(1)
	}
	rl.RecordSuccess(1)
	rl.RecordFailure(1)
	if st := rl.Status(1); st.Blocked || st.ConsecFailures != 1 {
		t.Errorf("expected one failure and no block, got %+v", st)
	}
}

func TestRateLimiter_StatusAndReset(t *testing.T) {
	clock := newFakeClock(time.Now())
	rl := newTestRateLimiter(clock, DefaultRateLimitConfig())

	if st := rl.Status(7); st.RecentAttempts != 0 || st.MaxAttemptsPerMin != DefaultMaxAttemptsPerMinute {
		t.Errorf("unexpected status for unknown endpoint: %+v", st)
	}
	rl.Allow(7)
	rl.Allow(7)
	if st := rl.Status(7); st.RecentAttempts != 2 {
		t.Errorf("RecentAttempts = %d, want 2", st.RecentAttempts)
	}
	rl.Reset(7)
	if st := rl.Status(7); st.RecentAttempts != 0 {
		t.Errorf("RecentAttempts after reset = %d, want 0", st.RecentAttempts)
	}
}
