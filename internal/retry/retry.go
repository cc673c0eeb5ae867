// Package retry holds the reconnect policy used by callers of the event
// stream client. The client never retries on its own.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rendis/pulse/pkg/schema"
)

// Backoff strategies.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Policy describes how long to wait between reconnect attempts.
type Policy struct {
	Backoff  string        `yaml:"backoff"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
	// MaxAttempts bounds consecutive failed attempts. Zero means unbounded.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultPolicy returns exponential backoff from 1s capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		Backoff:  BackoffExponential,
		Delay:    time.Second,
		MaxDelay: 30 * time.Second,
	}
}

// Validate checks the policy fields.
func (p Policy) Validate() error {
	switch p.Backoff {
	case "", BackoffNone, BackoffConstant, BackoffLinear, BackoffExponential:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown backoff %q", p.Backoff).
			WithDetails(map[string]any{"backoff": p.Backoff})
	}
	if p.Delay < 0 || p.MaxDelay < 0 {
		return schema.NewError(schema.ErrCodeValidation, "backoff delays must not be negative")
	}
	if p.MaxAttempts < 0 {
		return schema.NewError(schema.ErrCodeValidation, "max attempts must not be negative")
	}
	return nil
}

// Exhausted reports whether attempt (zero-based count of failures so far)
// has reached the policy's limit.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// IsRetryableError classifies whether reconnecting after err can help.
// Typed errors decide by code. Of the untyped ones only network errors,
// a truncated stream and context.DeadlineExceeded are retried; anything
// else is treated as a bug a reconnect would only repeat.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// The caller is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var se *schema.Error
	if errors.As(err, &se) {
		return se.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// ComputeBackoff calculates the delay before reconnect attempt number
// attempt (zero-based), capped at MaxDelay when set.
func ComputeBackoff(policy Policy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	base := policy.Delay
	var delay time.Duration
	switch policy.Backoff {
	case BackoffExponential:
		delay = base
		for i := 0; i < attempt; i++ {
			delay *= 2
			// Stop doubling once past the cap or on overflow.
			if delay <= 0 || (policy.MaxDelay > 0 && delay > policy.MaxDelay) {
				break
			}
		}
		if delay <= 0 {
			delay = time.Duration(1<<63 - 1)
		}
	case BackoffLinear:
		delay = base * time.Duration(attempt+1)
	default: // none, constant, or empty
		delay = base
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with ctx's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
