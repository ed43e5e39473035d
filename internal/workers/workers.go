// Package workers implements the five sync workers described in §4.7:
// bounded, cancellable background loops that keep local state current
// without holding store transactions across network awaits. Each worker
// is launched through pkg/mruntime.Go so a panic on one malformed
// envelope is logged and contained rather than taking the others down
// with it, following the teacher's recover-middleware idiom adapted for
// bare goroutines.
package workers

import (
	"time"
)

// Signal is a coalescing wake-up channel. Multiple Notify calls while a
// signal is still pending collapse into a single pending wake-up, so a
// burst of triggers (e.g. several envelopes arriving back-to-back)
// produces at most one extra loop iteration instead of a backlog the
// worker has to drain one at a time.
type Signal struct {
	ch chan struct{}
}

// NewSignal builds a ready-to-use Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify schedules a wake-up. Non-blocking: if one is already pending
// this is a no-op.
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the channel a Run loop selects on.
func (s *Signal) C() <-chan struct{} { return s.ch }

// Clock abstracts time.Now so rotation and expiry scheduling can be
// driven deterministically in tests.
type Clock func() time.Time

// SystemClock is the production Clock.
func SystemClock() time.Time { return time.Now() }
