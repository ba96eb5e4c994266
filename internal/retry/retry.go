// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrInvalidConfig = errors.New("retry: invalid config")

type Policy struct {
	// MaxAttempts includes the first call.
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Initial:     50 * time.Millisecond,
		Max:         2 * time.Second,
	}
}

func (p Policy) validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("%w: MaxAttempts must be > 0", ErrInvalidConfig)
	}
	if p.Initial <= 0 || p.Max < p.Initial {
		return fmt.Errorf("%w: need 0 < Initial <= Max", ErrInvalidConfig)
	}
	return nil
}

// Do calls fn until it succeeds, returns an error for which retryable is false, the attempt
// budget is exhausted, or ctx is done. The last error from fn is returned.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	if err := p.validate(); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("%w: nil fn", ErrInvalidConfig)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.MaxInterval = p.Max
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	var last error
	err := backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err == nil {
		return nil
	}
	if last != nil {
		return last
	}
	return err
}
