// Package retry implements the exponential-backoff-with-jitter retry loop
// shared by the streaming pipeline and the saga coordinator, grounded on
// the teacher's coordinator backoff loop: a small policy struct plus a
// context-aware Do that a caller drives with its own retry-classification.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy configures a bounded exponential backoff schedule.
type Policy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	Multiplier     float64
	JitterFraction float64 // 0.0-1.0, fraction of the delay randomized
}

// DefaultPolicy matches spec.md's default: 3 attempts, 1s initial delay,
// 2x multiplier, with jitter.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialDelay: time.Second, Multiplier: 2.0, JitterFraction: 0.2}
}

// ErrAttemptsExhausted is returned by Do when every attempt's classifier
// reported the error as retryable but MaxAttempts was reached anyway.
var ErrAttemptsExhausted = errors.New("retry: attempts exhausted")

// Do invokes fn up to p.MaxAttempts times. isRetryable decides, given the
// error fn returned, whether another attempt should be made; Do stops
// immediately on a non-retryable error (returning it unwrapped) or on
// ctx cancellation. attempts reports how many calls to fn were actually
// made, for callers that must record it (e.g. the saga step outcome).
func Do(ctx context.Context, p Policy, isRetryable func(error) bool, fn func(ctx context.Context) error) (attempts int, err error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := p.InitialDelay
	for attempts = 1; attempts <= maxAttempts; attempts++ {
		err = fn(ctx)
		if err == nil {
			return attempts, nil
		}
		if !isRetryable(err) {
			return attempts, err
		}
		if attempts == maxAttempts {
			return attempts, fmt.Errorf("%w: %w", ErrAttemptsExhausted, err)
		}

		sleep := withJitter(delay, p.JitterFraction)
		select {
		case <-ctx.Done():
			return attempts, ctx.Err()
		case <-time.After(sleep):
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
	return attempts, err
}

func withJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	jitter := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * jitter
	result := float64(d) + offset
	if result < 0 {
		return 0
	}
	return time.Duration(result)
}
