// Package retry runs remote operations with bounded backoff under an
// overall deadline, so a stuck tenant can never stall the run forever.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	backoff "github.com/sethvargo/go-retry"
)

type Config struct {
	// Timeout caps the whole operation including waits between attempts.
	// Zero means no deadline.
	Timeout time.Duration
	// Interval is the base for the exponential backoff.
	Interval time.Duration
	// MaxRetries is the number of attempts after the first one.
	MaxRetries uint64
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do gives up immediately instead of retrying,
// for failures a retry can never fix (rejected credentials, bad input).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op until it succeeds, the retries are used up, or the deadline
// hits. The returned error is the last failure; a deadline hit is
// reported as such so the caller can tell a timeout from a refusal.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	b := backoff.WithMaxRetries(cfg.MaxRetries, backoff.NewExponential(interval))

	err := backoff.Do(ctx, b, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		var perr *permanentError
		if errors.As(err, &perr) {
			// unmarked errors stop the backoff loop
			return perr.err
		}
		return backoff.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("gave up after %s: %w", cfg.Timeout, err)
	}
	return err
}
