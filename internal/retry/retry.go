package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultMaxAttempts is the retry ceiling applied when a Policy does not set
// its own.
const DefaultMaxAttempts = 3

// Policy wraps operations with bounded exponential backoff. Only errors
// classified as transient by IsTransient are retried; everything else is
// surfaced immediately. After exhausting the budget the last transient error
// is returned as-is, so callers can still branch on the underlying cause.
type Policy struct {
	MaxAttempts int

	// Sleep is the backoff sleeper, replaceable in tests. The default
	// honours context cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Policy with the given attempt ceiling. Values below 1 fall
// back to DefaultMaxAttempts.
func New(maxAttempts int) *Policy {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Policy{MaxAttempts: maxAttempts}
}

// Backoff returns the wait before the attempt following attempt n (1-indexed):
// 2^(n-1) seconds. No jitter is applied.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(1<<uint(attempt-1)) * time.Second
}

// Do runs op, retrying transient failures up to the policy's attempt ceiling.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = DefaultMaxAttempts
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			// Cancellation wins over classification.
			return lastErr
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		delay := Backoff(attempt)
		log.WithError(lastErr).Warnf("Transient failure on attempt %d/%d, retrying in %s", attempt, attempts, delay)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsTransient classifies an error as a retryable network failure: connection
// loss, timeouts, unreachable hosts, DNS failures. Context cancellation and
// application-level (HTTP status) errors are terminal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET,
		syscall.ECONNREFUSED,
		syscall.ECONNABORTED,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
		syscall.ENETDOWN,
		syscall.EPIPE,
		syscall.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
