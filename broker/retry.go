package broker

import (
	"context"

	"go.uber.org/multierr"
)

// retry runs fn up to attempts times, back to back. It stops early when fn
// succeeds or ctx is done. The returned error aggregates every failed attempt.
func retry(ctx context.Context, attempts int, fn func(attempt int) error) (int, error) {
	if attempts < 1 {
		attempts = 1
	}
	var errs error
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return i - 1, multierr.Append(errs, err)
		}
		err := fn(i)
		if err == nil {
			return i, nil
		}
		errs = multierr.Append(errs, err)
	}
	return attempts, errs
}
