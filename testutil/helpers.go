// Package testutil provides shared helpers for streamflow tests.
//
// Usage:
//
//	ctx := testutil.Context(t)
//	testutil.VerifyNoLeaks(t)
package testutil

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// Context returns a context bounded by a generous test timeout, cancelled
// at cleanup.
func Context(t *testing.T) context.Context {
	t.Helper()
	return ContextWithTimeout(t, 30*time.Second)
}

// ContextWithTimeout returns a context with the given timeout, cancelled at
// cleanup.
func ContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext returns a context that is already cancelled.
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// VerifyNoLeaks fails the test if goroutines outlive it. Register it
// before starting streams so cleanup ordering runs it last.
func VerifyNoLeaks(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})
}

// Eventually polls cond until it returns true or the deadline passes.
func Eventually(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
