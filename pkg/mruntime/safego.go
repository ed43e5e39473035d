// Package mruntime wraps goroutine launch points so that a panic inside a
// background worker (§4.7 Sync workers) is logged and contained instead of
// crashing the process. Workers run unattended for the life of the client;
// one bad envelope must not take down the others.
package mruntime

import (
	"fmt"
	"runtime/debug"
)

// Logger is the minimal logging capability safego needs. pkg/mlog.Logger
// does not satisfy it directly, because its WithFields returns
// mlog.Logger; callers wrap it in a small adapter.
type Logger interface {
	Errorf(format string, args ...any)
	WithFields(fields ...any) Logger
}

// Go runs fn in a new goroutine, recovering any panic and logging it
// through logger instead of propagating it.
func Go(logger Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields("worker", name).Errorf("panic in %s: %v\n%s", name, r, debug.Stack())
			}
		}()

		fn()
	}()
}

// Safe wraps fn so that calling it recovers a panic into an error instead
// of letting it escape, for a caller that invokes a single callback (e.g.
// a visitor) that might panic on malformed input it didn't expect.
func Safe(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered panic: %v", r)
		}
	}()

	return fn()
}
