package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authflow/store"
)

var (
	ErrRecoveryRateLimited = errors.New("recovery code rate limited")
	ErrRecoveryUnavailable = errors.New("recovery code limiter unavailable")
)

// RecoveryConfig bounds failed recovery-code attempts per user.
type RecoveryConfig struct {
	MaxAttempts int
	Window      time.Duration
}

// RecoveryLimiter counts failed recovery-code verifications per user in a
// durable fixed window. A limiter with MaxAttempts <= 0 never limits.
type RecoveryLimiter struct {
	counter store.AttemptCounter
	config  RecoveryConfig
	now     func() time.Time
}

// NewRecoveryLimiter builds a limiter over counter. now defaults to time.Now.
func NewRecoveryLimiter(counter store.AttemptCounter, cfg RecoveryConfig, now func() time.Time) *RecoveryLimiter {
	if now == nil {
		now = time.Now
	}
	return &RecoveryLimiter{counter: counter, config: cfg, now: now}
}

func (l *RecoveryLimiter) key(userID string) string {
	return "recovery:" + userID
}

func (l *RecoveryLimiter) enabled() bool {
	return l != nil && l.counter != nil && l.config.MaxAttempts > 0
}

// Check returns ErrRecoveryRateLimited once the window budget is spent.
func (l *RecoveryLimiter) Check(ctx context.Context, userID string) error {
	if !l.enabled() {
		return nil
	}
	n, err := l.counter.Attempts(ctx, l.key(userID), l.now())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRecoveryUnavailable, err)
	}
	if n >= l.config.MaxAttempts {
		return ErrRecoveryRateLimited
	}
	return nil
}

// RecordFailure counts one failure and reports ErrRecoveryRateLimited when
// this failure exhausted the budget.
func (l *RecoveryLimiter) RecordFailure(ctx context.Context, userID string) error {
	if !l.enabled() {
		return nil
	}
	n, err := l.counter.IncrementAttempts(ctx, l.key(userID), l.config.Window, l.now())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRecoveryUnavailable, err)
	}
	if n >= l.config.MaxAttempts {
		return ErrRecoveryRateLimited
	}
	return nil
}

// Reset clears the counter after a successful verification.
func (l *RecoveryLimiter) Reset(ctx context.Context, userID string) error {
	if !l.enabled() {
		return nil
	}
	if err := l.counter.ResetAttempts(ctx, l.key(userID)); err != nil {
		return fmt.Errorf("%w: %v", ErrRecoveryUnavailable, err)
	}
	return nil
}
