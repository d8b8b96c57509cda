package retry

import (
	"context"
	"log/slog"
)

// Strategy decides how a failing chain call is repeated
type Strategy interface {
	// Execute runs call until it succeeds or the strategy gives up
	Execute(ctx context.Context, call Call) error

	// Name identifies the strategy in logs
	Name() string
}

// Call is one request to a chain endpoint
type Call func(ctx context.Context) error

// NewStrategy picks Backoff when retries are enabled and Once otherwise
func NewStrategy(config Config) Strategy {
	if !config.Enabled {
		slog.Debug("Chain call retries disabled")
		return NewOnce()
	}

	slog.Debug("Chain call retries enabled",
		"max_retries", config.MaxRetries,
		"initial_delay", config.InitialDelay,
		"max_delay", config.MaxDelay,
	)
	return NewBackoff(config.MaxRetries, config.InitialDelay, config.MaxDelay)
}

// Once runs each call a single time
type Once struct{}

// NewOnce creates a Once strategy
func NewOnce() Once { return Once{} }

// Execute implements Strategy
func (Once) Execute(ctx context.Context, call Call) error { return call(ctx) }

// Name implements Strategy
func (Once) Name() string { return "once" }
