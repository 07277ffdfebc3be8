package sshmanager

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gluk-w/termctl/internal/apperr"
)

// Rate limiting defaults. Two independent mechanisms protect against connection storms:
//   - Sliding-window rate limit: max attempts per minute per endpoint.
//   - Consecutive failure block: after N failures in a row, the endpoint is
//     temporarily blocked for BlockDuration.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = 5 * time.Minute
)

// RateLimitConfig holds configuration for the connection rate limiter.
type RateLimitConfig struct {
	MaxAttemptsPerMinute int           // Maximum connection attempts per endpoint per minute
	MaxConsecFailures    int           // Consecutive failures before temporary block
	BlockDuration        time.Duration // Duration to block after max consecutive failures
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type endpointRateState struct {
	attempts       []time.Time // timestamps of recent connection attempts
	consecFailures int
	blockedUntil   time.Time
}

// RateLimiter enforces rate limits on connection attempts per endpoint.
// It tracks attempts within a sliding window and blocks endpoints that
// exceed the configured thresholds.
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[uint]*endpointRateState
	logger *zap.Logger
	nowFn  func() time.Time // injectable clock for testing
}

// NewRateLimiter creates a new RateLimiter with the given configuration.
func NewRateLimiter(config RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		config: config,
		state:  make(map[uint]*endpointRateState),
		logger: logger,
		nowFn:  time.Now,
	}
}

// Allow checks whether a connection attempt for the endpoint is allowed and
// records it. A denial is a ResourceExhausted error carrying retry_after.
func (rl *RateLimiter) Allow(endpointID uint) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(endpointID)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		rl.logger.Warn("rate limit: endpoint blocked",
			zap.Uint("endpoint", endpointID),
			zap.Duration("remaining", remaining),
			zap.Int("consec_failures", s.consecFailures))
		err := apperr.Errorf(apperr.KindResourceExhausted,
			"connections to endpoint %d blocked for %s after %d consecutive failures",
			endpointID, remaining, s.consecFailures)
		return apperr.Attr(err, "retry_after", remaining.String())
	}

	cutoff := now.Add(-1 * time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if len(s.attempts) >= rl.config.MaxAttemptsPerMinute {
		rl.logger.Warn("rate limit: attempts exceeded",
			zap.Uint("endpoint", endpointID),
			zap.Int("max_per_minute", rl.config.MaxAttemptsPerMinute))
		err := apperr.Errorf(apperr.KindResourceExhausted,
			"rate limit exceeded for endpoint %d: %d connection attempts in the last minute (max %d)",
			endpointID, len(s.attempts), rl.config.MaxAttemptsPerMinute)
		return apperr.Attr(err, "retry_after", s.attempts[0].Add(time.Minute).Sub(now).Truncate(time.Second).String())
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess resets the consecutive failure counter for the endpoint.
func (rl *RateLimiter) RecordSuccess(endpointID uint) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.getOrCreateState(endpointID)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure increments the consecutive failure counter. Reaching the
// configured threshold blocks the endpoint.
func (rl *RateLimiter) RecordFailure(endpointID uint) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(endpointID)
	s.consecFailures++

	if s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = now.Add(rl.config.BlockDuration)
		rl.logger.Warn("rate limit: blocking endpoint",
			zap.Uint("endpoint", endpointID),
			zap.Time("until", s.blockedUntil),
			zap.Int("consec_failures", s.consecFailures))
	}
}

// RateLimitStatus represents the current rate limit state for an endpoint.
type RateLimitStatus struct {
	RecentAttempts    int        `json:"recent_attempts"`
	MaxAttemptsPerMin int        `json:"max_attempts_per_min"`
	ConsecFailures    int        `json:"consec_failures"`
	MaxConsecFailures int        `json:"max_consec_failures"`
	Blocked           bool       `json:"blocked"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}

// Status returns the current rate limit status for the endpoint.
func (rl *RateLimiter) Status(endpointID uint) RateLimitStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	st := RateLimitStatus{
		MaxAttemptsPerMin: rl.config.MaxAttemptsPerMinute,
		MaxConsecFailures: rl.config.MaxConsecFailures,
	}
	s, ok := rl.state[endpointID]
	if !ok {
		return st
	}

	now := rl.nowFn()
	cutoff := now.Add(-1 * time.Minute)
	for _, t := range s.attempts {
		if t.After(cutoff) {
			st.RecentAttempts++
		}
	}
	st.ConsecFailures = s.consecFailures
	if now.Before(s.blockedUntil) {
		bu := s.blockedUntil
		st.Blocked = true
		st.BlockedUntil = &bu
	}
	return st
}

// Reset clears all rate limiting state for the endpoint.
func (rl *RateLimiter) Reset(endpointID uint) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.state, endpointID)
}

// Must be called with rl.mu held.
func (rl *RateLimiter) getOrCreateState(endpointID uint) *endpointRateState {
	s, ok := rl.state[endpointID]
	if !ok {
		s = &endpointRateState{}
		rl.state[endpointID] = s
	}
	return s
}
