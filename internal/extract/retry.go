package extract

import (
	"context"
	"math"
	"time"

	everrors "evermem/internal/errors"
)

// withRetry runs fn up to attempts times with exponential backoff
// (base * 2^n seconds), mirroring the embedding collaborator's retry shape:
// exponential-backoff retry, 3 attempts by default, base 2s.
func withRetry[T any](ctx context.Context, attempts, baseSeconds int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(baseSeconds)*math.Pow(2, float64(attempt))) * time.Second
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, everrors.New(everrors.KindCancelled, "extract.withRetry", ctx.Err())
			case <-timer.C:
			}
		}
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return zero, everrors.New(everrors.KindExtractionFailed, "extract.withRetry", lastErr)
}
