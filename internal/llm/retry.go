package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// maxAttempts and the starting backoff implement spec §4.1: up to 3
// attempts, exponential backoff starting at 1s and doubling.
const (
	maxAttempts    = 3
	initialBackoff = time.Second
)

// WithRetry runs fn up to maxAttempts times. fn should return an *Error on
// failure so the retry policy can inspect Kind. Non-retryable errors (and
// the final attempt's error regardless of kind) are returned immediately.
func WithRetry(ctx context.Context, provider string, fn func(attempt int) error) error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		var kind ErrorKind
		if le, ok := err.(*Error); ok {
			if le.Partial {
				return err
			}
			kind = le.Kind
		}
		if !kind.Retryable() || attempt == maxAttempts-1 {
			return err
		}

		log.Warn().Str("provider", provider).Int("attempt", attempt+1).
			Dur("backoff", backoff).Err(err).Msg("llm request failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}
