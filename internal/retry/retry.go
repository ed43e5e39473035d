// Package retry implements the exponential-backoff-with-jitter strategy
// described in §4.6.4 and §5, including the shared rate-limit cooldown
// that couples every caller of the same Strategy instance (design note
// "Retry scope coupling").
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/mlscore/core/pkg/apperr"
)

// Config bounds a retry strategy's behavior. Defaults match the spec:
// 5 attempts, 3x multiplier, 30s per-attempt cap, 120s total cap.
type Config struct {
	MaxAttempts    int
	Multiplier     float64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	TotalWaitMax   time.Duration
}

// DefaultConfig returns the spec's default bounds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		Multiplier:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		TotalWaitMax:   120 * time.Second,
	}
}

// Strategy is a shared retry strategy instance. A rate-limit signal
// observed by any caller pauses every other caller sharing this
// instance, not just the one that hit the limit — this is ambient
// cooldown state, deliberately not threaded through as a parameter.
type Strategy struct {
	cfg Config

	mu           sync.Mutex
	cooldownUntil time.Time
}

// New builds a Strategy with cfg.
func New(cfg Config) *Strategy {
	return &Strategy{cfg: cfg}
}

// Exhausted reports whether attempt (1-indexed) has used up the
// configured attempt budget.
func (s *Strategy) Exhausted(attempt int) bool {
	return attempt >= s.cfg.MaxAttempts
}

// Backoff returns the delay to wait before attempt (1-indexed), combining
// exponential backoff, jitter, the per-attempt cap, and any active
// cooldown.
func (s *Strategy) Backoff(attempt int) time.Duration {
	base := float64(s.cfg.InitialBackoff) * pow(s.cfg.Multiplier, attempt-1)
	if base > float64(s.cfg.MaxBackoff) {
		base = float64(s.cfg.MaxBackoff)
	}

	jittered := time.Duration(base/2 + rand.Float64()*base/2) //nolint:gosec // jitter timing, not a security boundary

	s.mu.Lock()
	cooldown := time.Until(s.cooldownUntil)
	s.mu.Unlock()

	if cooldown > jittered {
		return cooldown
	}

	return jittered
}

// NoteRateLimited records a cooldown window shared across every caller
// of this Strategy.
func (s *Strategy) NoteRateLimited(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until := time.Now().Add(d)
	if until.After(s.cooldownUntil) {
		s.cooldownUntil = until
	}
}

func pow(base float64, exp int) float64 {
	result := 1.0

	for i := 0; i < exp; i++ {
		result *= base
	}

	return result
}

// Do runs fn repeatedly per the strategy's bounds, sleeping between
// attempts, until it succeeds, a non-retryable error is returned, the
// attempt budget is exhausted, or ctx is cancelled. It also honors
// TotalWaitMax as a hard ceiling on cumulative sleeping.
func (s *Strategy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var totalWait time.Duration

	var lastErr error

	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		lastErr = err

		if !apperr.IsRetryable(err) {
			return err
		}

		if rl, ok := asRateLimited(err); ok {
			s.NoteRateLimited(rl)
		}

		if s.Exhausted(attempt) {
			return lastErr
		}

		wait := s.Backoff(attempt)
		if totalWait+wait > s.cfg.TotalWaitMax {
			return lastErr
		}

		totalWait += wait

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func asRateLimited(err error) (time.Duration, bool) {
	var netErr apperr.NetworkError
	if e, ok := err.(apperr.NetworkError); ok { //nolint:errorlint // apperr's own errors don't wrap further here
		netErr = e
	} else {
		return 0, false
	}

	if netErr.RateLimited {
		return 2 * time.Second, true
	}

	return 0, false
}
