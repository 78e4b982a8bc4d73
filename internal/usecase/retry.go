package usecase

import (
	"context"
	"time"
)

type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 200 * time.Millisecond}

// retry calls fn until it succeeds, the attempts run out or ctx ends,
// doubling the delay after each failure.
func retry(ctx context.Context, p RetryPolicy, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
