package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithRetry_RetriesRetryableKindUntilSuccess(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), "test", func(int) error {
		attempts++
		if attempts < 2 {
			return &Error{Kind: ErrUpstream5xx, Provider: "test", Detail: "boom"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestWithRetry_StopsAfterMaxAttempts(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), "test", func(int) error {
		attempts++
		return &Error{Kind: ErrUpstream5xx, Provider: "test", Detail: "boom"}
	})
	require.Error(t, err)
	require.Equal(t, maxAttempts, attempts)
}

func TestWithRetry_NonRetryableKindFailsImmediately(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), "test", func(int) error {
		attempts++
		return &Error{Kind: ErrUpstream4xx, Provider: "test", Detail: "bad request"}
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

// TestWithRetry_PartialErrorNeverRetriedEvenWhenKindIsRetryable guards the
// spec §4.1 carve-out: once a stream has emitted output, a mid-body
// failure must surface immediately, not trigger another attempt that
// would replay the request and duplicate already-sent output.
func TestWithRetry_PartialErrorNeverRetriedEvenWhenKindIsRetryable(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), "test", func(int) error {
		attempts++
		return &Error{Kind: ErrUpstream5xx, Provider: "test", Detail: "connection reset mid-stream", Partial: true}
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}
