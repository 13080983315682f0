package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a failed request per the retry/failure taxonomy.
type ErrorKind string

const (
	ErrTimeout     ErrorKind = "timeout"
	ErrRateLimited ErrorKind = "rate_limited"
	ErrUpstream5xx ErrorKind = "upstream_5xx"
	ErrUpstream4xx ErrorKind = "upstream_4xx"
	ErrMalformed   ErrorKind = "malformed"
)

// Error is the user-visible, connection-non-fatal failure surfaced once
// retries are exhausted or a non-retryable error occurs.
type Error struct {
	Kind     ErrorKind
	Provider string
	Detail   string
	// Partial marks an error that occurred after the stream had already
	// emitted at least one chunk to the caller. Per spec §4.1, a
	// successful stream that errors mid-body is never retried — the
	// partial output was already forwarded to the client, and replaying
	// the request would re-emit it. WithRetry surfaces a Partial error
	// immediately regardless of Kind.
	Partial bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Detail, e.Kind)
}

// Retryable reports whether the error kind qualifies for another attempt:
// transport timeout, 429, or any 5xx. Other 4xx responses surface
// immediately.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrTimeout, ErrRateLimited, ErrUpstream5xx:
		return true
	default:
		return false
	}
}

// ClassifyHTTP builds an *Error from an HTTP status code observed on a
// provider response, per spec §4.1: 429 and any 5xx are retryable; other
// 4xx surface immediately with the provider's body.
func ClassifyHTTP(provider string, statusCode int, detail string) *Error {
	switch {
	case statusCode == 429:
		return &Error{Kind: ErrRateLimited, Provider: provider, Detail: detail}
	case statusCode >= 500:
		return &Error{Kind: ErrUpstream5xx, Provider: provider, Detail: detail}
	case statusCode >= 400:
		return &Error{Kind: ErrUpstream4xx, Provider: provider, Detail: detail}
	default:
		return &Error{Kind: ErrMalformed, Provider: provider, Detail: detail}
	}
}

// ClassifyTransport inspects a transport-level error (as opposed to an HTTP
// status code) and reports a timeout *Error when applicable, or nil when
// err isn't a timeout.
func ClassifyTransport(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Provider: provider, Detail: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: ErrTimeout, Provider: provider, Detail: err.Error()}
	}
	return nil
}
