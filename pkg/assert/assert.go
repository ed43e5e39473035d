// Package assert provides a single invariant-checking primitive for the
// boundaries the spec calls out as never allowed to be violated
// silently -- cursor monotonicity, single-transaction mutations, and the
// MLS tree/group-membership-extension agreement. A failed assertion is a
// programming error, not a data error, so it panics rather than returning
// an apperr.Tagged.
package assert

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// That panics with a descriptive message, including a stack trace and any
// key/value context pairs, when cond is false.
func That(cond bool, message string, kv ...any) {
	if cond {
		return
	}

	var b strings.Builder

	b.WriteString("assertion failed: ")
	b.WriteString(message)

	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}

	b.WriteString("\nstack trace:\n")
	b.Write(debug.Stack())

	panic(b.String())
}
