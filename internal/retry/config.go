package retry

import "time"

// Config selects and tunes the Strategy used for chain calls
type Config struct {
	Enabled      bool
	MaxRetries   int           // extra attempts after the first
	InitialDelay time.Duration // wait before the first retry, before jitter
	MaxDelay     time.Duration // cap on any single wait
}
