package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config holds retry configuration
type Config struct {
	MaxRetries     int           // Retries after the first attempt
	InitialBackoff time.Duration // First wait
	MaxBackoff     time.Duration // Cap on a single wait
	Multiplier     float64       // Growth per attempt
	Jitter         float64       // Randomization factor in [0, 1)
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// BackOff builds the exponential policy described by the config.
func (c Config) BackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialBackoff > 0 {
		b.InitialInterval = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		b.MaxInterval = c.MaxBackoff
	}
	if c.Multiplier >= 1 {
		b.Multiplier = c.Multiplier
	}
	b.RandomizationFactor = c.Jitter
	b.Reset()
	return b
}

// Do runs fn until it succeeds, returns a Permanent error, the retries are
// used up, or ctx is done.
func Do(ctx context.Context, config Config, fn func() error) error {
	_, err := DoValue(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, config Config, fn func() (T, error)) (T, error) {
	v, err := backoff.Retry(ctx, fn,
		backoff.WithBackOff(config.BackOff()),
		backoff.WithMaxTries(uint(config.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		return v, fmt.Errorf("retry failed: %w", err)
	}
	return v, nil
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsRetryable checks if an error is a transient network or server failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, retryable := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"503",
		"502",
		"504",
		"eof",
		"broken pipe",
	} {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}
