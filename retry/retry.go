// Package retry implements the pipeline's shared retry policy: exponential
// backoff with uniform jitter, a caller-supplied retryability classifier,
// and context-aware sleeping.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// jitterWindow is the uniform jitter added to every delay: U[0, 1s).
const jitterWindow = time.Second

// Policy describes how an operation is retried. Delay for attempt n
// (1-based) is Base << (n-1) plus jitter.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// Base is the backoff base delay.
	Base time.Duration
	// Retryable decides whether an error is worth another attempt. A nil
	// classifier retries everything.
	Retryable func(error) bool
}

// DefaultPolicy matches the external-service defaults: 3 attempts starting
// at one second.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Base: time.Second}
}

// Delay computes the backoff delay before attempt+1, where attempt is
// 1-based. The top-level math/rand functions are safe for concurrent use.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base << (attempt - 1)
	return d + time.Duration(rand.Int63n(int64(jitterWindow)))
}

// Do runs fn until it succeeds, exhausts MaxAttempts, hits a non-retryable
// error, or ctx is done. The last error is returned unwrapped so callers can
// classify it with errors.Is/As.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		// Context errors are never retried; the caller is unwinding.
		if errors.Is(last, context.Canceled) || errors.Is(last, context.DeadlineExceeded) {
			return last
		}
		if p.Retryable != nil && !p.Retryable(last) {
			return last
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}
	return last
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
