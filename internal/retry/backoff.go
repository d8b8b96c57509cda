package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff repeats transient chain failures with jittered exponential delays
type Backoff struct {
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
}

// NewBackoff creates a Backoff that makes at most maxRetries extra attempts
func NewBackoff(maxRetries int, initialDelay, maxDelay time.Duration) *Backoff {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxDelay < initialDelay {
		maxDelay = initialDelay
	}
	return &Backoff{
		maxRetries:   maxRetries,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
	}
}

// Execute implements Strategy. Errors that IsRecoverable rejects end the
// call at once, as does cancellation of ctx.
func (s *Backoff) Execute(ctx context.Context, call Call) error {
	delays := backoff.NewExponentialBackOff()
	delays.InitialInterval = s.initialDelay
	delays.MaxInterval = s.maxDelay

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := call(ctx)
		if err != nil && !IsRecoverable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(delays),
		backoff.WithMaxTries(uint(s.maxRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Warn("Chain call failed, backing off",
				"attempt", attempts,
				"max_attempts", s.maxRetries+1,
				"wait", wait,
				"error", err)
		}),
	)

	switch {
	case err == nil:
		if attempts > 1 {
			slog.Debug("Chain call recovered", "attempts", attempts)
		}
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("chain call interrupted after %d attempts: %w", attempts, err)
	case attempts > 1:
		return fmt.Errorf("chain call gave up after %d attempts: %w", attempts, err)
	default:
		return err
	}
}

// Name implements Strategy
func (s *Backoff) Name() string { return "backoff" }
