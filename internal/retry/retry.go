// Package retry runs a fallible call with exponential backoff and jitter. It
// is shared by the HTTP adapters: the geocoder, the ICS fetcher, and the Home
// Assistant notifier.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

const (
	// DefaultMaxAttempts is the number of tries before Do gives up.
	DefaultMaxAttempts = 3

	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 5 * time.Second
)

// Policy bounds the attempts and delays of [Do].
type Policy struct {
	MaxAttempts int
	// BaseDelay is the starting backoff interval before jitter.
	BaseDelay time.Duration
	// MaxDelay caps the backoff interval.
	MaxDelay time.Duration
}

// DefaultPolicy returns 3 attempts starting at 500ms, capped at 5s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: defaultBaseDelay, MaxDelay: defaultMaxDelay}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped after
// the current attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do executes fn up to p.MaxAttempts times with exponential backoff and
// jitter. It returns nil on the first successful call, or a wrapped error
// containing the last failure if all attempts are exhausted.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.normalized()

	var lastErr error
	for attempt := range p.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt < p.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(p.backoff(attempt)):
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", p.MaxAttempts, lastErr)
}

// backoff computes the delay for a given attempt index, applying exponential
// growth with 50–100 % jitter.
func (p Policy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay << attempt
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	// Jitter: uniform in [delay/2, delay).
	half := int64(delay) / 2
	if half <= 0 {
		return delay
	}
	jitter := time.Duration(rand.Int63n(half)) //nolint:gosec // jitter does not need crypto/rand
	return delay/2 + jitter
}
