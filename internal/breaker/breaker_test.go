package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing(calls *int) func(context.Context) error {
	return func(context.Context) error { *calls++; return errBoom }
}

func succeeding(calls *int) func(context.Context) error {
	return func(context.Context) error { *calls++; return nil }
}

func TestBreaker_OpensAfterThresholdAndRejectsWithoutCalling(t *testing.T) {
	now := time.Now()
	cb := New("cloud", WithThreshold(5), WithResetTimeout(60*time.Second), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	calls := 0
	for i := 0; i < 5; i++ {
		if err := cb.Execute(ctx, failing(&calls)); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected errBoom, got %v", i, err)
		}
	}
	if cb.State() != Open {
		t.Fatalf("Expected OPEN after 5 failures, got %s", cb.State())
	}

	err := cb.Execute(ctx, succeeding(&calls))
	var open *ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
	if open.Service != "cloud" {
		t.Errorf("Expected service cloud, got %s", open.Service)
	}
	if calls != 5 {
		t.Errorf("Expected no call while open, got %d calls", calls)
	}

	now = now.Add(59 * time.Second)
	if err := cb.Execute(ctx, succeeding(&calls)); !errors.As(err, &open) {
		t.Errorf("Expected rejection before reset timeout, got %v", err)
	}
}

func TestBreaker_HalfOpenAdmitsExactlyMaxTrialsThenCloses(t *testing.T) {
	now := time.Now()
	cb := New("cloud", WithThreshold(1), WithResetTimeout(time.Minute), WithHalfOpenMax(2), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	calls := 0
	_ = cb.Execute(ctx, failing(&calls))

	now = now.Add(time.Minute)
	if cb.State() != HalfOpen {
		t.Fatalf("Expected HALF_OPEN, got %s", cb.State())
	}
	if err := cb.Execute(ctx, succeeding(&calls)); err != nil {
		t.Fatalf("trial 1: %v", err)
	}
	if cb.State() != HalfOpen {
		t.Fatalf("Expected still HALF_OPEN after 1 trial, got %s", cb.State())
	}
	if err := cb.Execute(ctx, succeeding(&calls)); err != nil {
		t.Fatalf("trial 2: %v", err)
	}
	if cb.State() != Closed {
		t.Fatalf("Expected CLOSED after 2 successful trials, got %s", cb.State())
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestBreaker_HalfOpenRejectsBeyondTrialLimit(t *testing.T) {
	now := time.Now()
	cb := New("webhook", WithThreshold(1), WithResetTimeout(time.Second), WithHalfOpenMax(2), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	calls := 0
	_ = cb.Execute(ctx, failing(&calls))
	now = now.Add(time.Second)

	// Two trials in flight at once exhaust the half-open budget.
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- cb.Execute(ctx, func(context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	var open *ErrCircuitOpen
	if err := cb.Execute(ctx, succeeding(&calls)); !errors.As(err, &open) {
		t.Fatalf("Expected third trial to be rejected, got %v", err)
	}
	close(release)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("trial error: %v", err)
		}
	}
	if cb.State() != Closed {
		t.Errorf("Expected CLOSED, got %s", cb.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := New("cloud", WithThreshold(1), WithResetTimeout(50*time.Millisecond), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	calls := 0
	_ = cb.Execute(ctx, failing(&calls))

	now = now.Add(100 * time.Millisecond)
	if cb.State() != HalfOpen {
		t.Fatal("expected half-open")
	}
	_ = cb.Execute(ctx, failing(&calls))
	if cb.State() != Open {
		t.Fatalf("Expected re-open after failure in half-open, got %s", cb.State())
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New("cloud", WithThreshold(3))
	ctx := context.Background()
	calls := 0
	_ = cb.Execute(ctx, failing(&calls))
	_ = cb.Execute(ctx, failing(&calls))
	_ = cb.Execute(ctx, succeeding(&calls))
	_ = cb.Execute(ctx, failing(&calls))
	_ = cb.Execute(ctx, failing(&calls))
	if cb.State() != Closed {
		t.Errorf("Expected CLOSED since failures were not consecutive, got %s", cb.State())
	}
	if got := cb.Stats().FailureCount; got != 2 {
		t.Errorf("Expected failure count 2, got %d", got)
	}
}

func TestRegistry_DefaultsAndStats(t *testing.T) {
	r := NewDefaultRegistry(time.Now)
	if got := r.Get(ServiceCloud).ResetTimeout(); got != 60*time.Second {
		t.Errorf("Expected cloud reset 60s, got %s", got)
	}
	if got := r.Get(ServiceWebhook).ResetTimeout(); got != 30*time.Second {
		t.Errorf("Expected webhook reset 30s, got %s", got)
	}
	stats := r.Stats()
	if len(stats) != 2 || stats[0].Name != ServiceCloud || stats[0].State != "CLOSED" {
		t.Errorf("Unexpected stats %+v", stats)
	}
}
