package mruntime

import (
	"sync"
	"testing"
)

type mockLogger struct {
	mu     sync.Mutex
	called bool
}

func (m *mockLogger) Errorf(format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.called = true
}

//nolint:ireturn
func (m *mockLogger) WithFields(fields ...any) Logger { return m }

func (m *mockLogger) wasCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.called
}

func TestGo_RecoversPanic(t *testing.T) {
	logger := &mockLogger{}
	done := make(chan struct{})

	Go(logger, "test-worker", func() {
		defer close(done)
		panic("boom")
	})

	<-done

	if !logger.wasCalled() {
		t.Fatalf("expected panic to be logged")
	}
}

func TestSafe_RecoversPanic(t *testing.T) {
	err := Safe(func() error {
		panic("boom")
	})

	if err == nil {
		t.Fatalf("expected error from recovered panic")
	}
}

func TestSafe_PassesThroughError(t *testing.T) {
	sentinel := errSentinel{}

	err := Safe(func() error {
		return sentinel
	})

	if err != sentinel {
		t.Fatalf("expected sentinel error to pass through unchanged, got %v", err)
	}
}

type errSentinel struct{}

func (errSentinel) Error() string { return "sentinel" }
