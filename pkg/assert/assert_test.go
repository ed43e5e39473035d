package assert

import (
	"strings"
	"testing"
)

func TestThat_Pass(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("should not panic, got %v", r)
		}
	}()

	That(true, "should not panic")
}

func TestThat_PanicMessage(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic")
		}

		msg, ok := r.(string)
		if !ok {
			t.Fatalf("panic value is not a string: %T", r)
		}

		for _, want := range []string{"assertion failed:", "test message", "key1=value1", "key2=42", "stack trace:"} {
			if !strings.Contains(msg, want) {
				t.Fatalf("panic message missing %q: %s", want, msg)
			}
		}
	}()

	That(false, "test message", "key1", "value1", "key2", 42)
}
