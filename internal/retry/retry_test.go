package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{0, 1 * time.Second}, // below range clamps
	}
	for _, c := range cases {
		if got := Backoff(c.attempt); got != c.want {
			t.Errorf("Backoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	p := New(3)
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesTransientOnce(t *testing.T) {
	p := New(3)
	var slept []time.Duration
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	transient := &net.OpError{Op: "read", Err: syscall.ECONNRESET}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return transient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
	// Exactly one backoff sleep of 1s before the second attempt.
	if len(slept) != 1 || slept[0] != 1*time.Second {
		t.Errorf("Expected one 1s sleep, got %v", slept)
	}
}

func TestDo_TerminalNotRetried(t *testing.T) {
	p := New(3)
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		t.Error("Sleep called for terminal error")
		return nil
	}
	terminal := errors.New("resource not found")
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return terminal
	})
	if !errors.Is(err, terminal) {
		t.Errorf("Expected terminal error surfaced, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestDo_SurfacesLastTransientError(t *testing.T) {
	p := New(2)
	p.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	last := &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		return fmt.Errorf("downloading: %w", last)
	})
	// The underlying cause stays reachable, not a generic wrapper.
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Errorf("Expected *net.OpError in chain, got %v", err)
	}
}

func TestDo_CancelledContextStops(t *testing.T) {
	p := New(3)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return &net.OpError{Op: "read", Err: syscall.ETIMEDOUT}
	})
	if err == nil {
		t.Fatal("Expected error after cancellation")
	}
	if calls != 1 {
		t.Errorf("Expected no retry after cancel, got %d calls", calls)
	}
}

func TestIsTransient(t *testing.T) {
	transient := []error{
		context.DeadlineExceeded,
		&net.DNSError{Err: "no such host", Name: "hub.example"},
		&net.OpError{Op: "read", Err: syscall.ECONNRESET},
		syscall.ECONNREFUSED,
		syscall.EHOSTUNREACH,
		fmt.Errorf("wrapped: %w", syscall.EPIPE),
	}
	for _, err := range transient {
		if !IsTransient(err) {
			t.Errorf("IsTransient(%v) = false, want true", err)
		}
	}

	terminal := []error{
		nil,
		context.Canceled,
		errors.New("hub request failed with status 404"),
		errors.New("malformed response"),
	}
	for _, err := range terminal {
		if IsTransient(err) {
			t.Errorf("IsTransient(%v) = true, want false", err)
		}
	}
}
