// Package auth verifies the access JWT presented at WebSocket handshake
// and HTTP request time, and carries the authenticated user through the
// request/connection context.
package auth

import (
	"context"
	"time"
)

// User is the authenticated identity attached to a connection or request.
type User struct {
	ID          int64
	Email       string
	DisplayName string
}

type contextKey string

const userContextKey contextKey = "codetutor.user"

// WithUser returns a new context with the given user attached.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

// CurrentUser extracts the user from context if present.
func CurrentUser(ctx context.Context) (*User, bool) {
	v := ctx.Value(userContextKey)
	if v == nil {
		return nil, false
	}
	u, ok := v.(*User)
	return u, ok && u != nil
}

// Claims is the JWT payload shape this service issues and verifies.
type Claims struct {
	UserID      int64
	Email       string
	DisplayName string
	TokenType   string // "access" | "refresh"
	ExpiresAt   time.Time
}
