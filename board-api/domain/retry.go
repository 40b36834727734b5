package domain

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 10 * time.Millisecond
)

// retryConflicts runs fn until it stops failing with ErrConcurrencyConflict. Attempts
// are separated by exponential backoff from base with up to base of random jitter.
func retryConflicts(ctx context.Context, attempts int, base time.Duration, sleep func(context.Context, time.Duration) error, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		if attempt == attempts {
			break
		}
		delay := base << (attempt - 1)
		if base > 0 {
			delay += time.Duration(rand.Int64N(int64(base)))
		}
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("%w: gave up after %d attempts: %v", ErrConflict, attempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
