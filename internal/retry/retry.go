// Package retry wraps whole logical operations (read-modify-write against
// the store) in a named retry policy instead of annotating call sites ad
// hoc. Only errors classified as retriable are retried; everything else is
// surfaced immediately.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retried operation.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts uint64
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps the exponential backoff between retries.
	MaxInterval time.Duration
	// Classify reports whether an error is worth retrying. When nil,
	// only errors marked with Retriable are retried.
	Classify func(error) bool
}

// Default is the policy used for optimistic-concurrency conflicts on the
// store.
func Default() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
	}
}

type retriableError struct {
	err error
}

func (r retriableError) Error() string {
	return r.err.Error()
}

func (r retriableError) Unwrap() error {
	return r.err
}

// Retriable marks an error as safe to retry by re-running the whole logical
// operation in a fresh transaction.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return retriableError{err: err}
}

// Is reports whether err carries the retriable marker.
func Is(err error) bool {
	var r retriableError
	return errors.As(err, &r)
}

// Do runs op, retrying with exponential backoff while op returns a
// retriable error, up to the policy's attempt bound. The last error is
// returned when attempts are exhausted.
func Do(ctx context.Context, policy Policy, op func() error) error {
	classify := policy.Classify
	if classify == nil {
		classify = Is
	}

	bo := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		bo.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		bo.MaxInterval = policy.MaxInterval
	}
	bo.Reset()

	attempts := policy.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	b := backoff.WithContext(backoff.WithMaxRetries(bo, attempts-1), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !classify(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
