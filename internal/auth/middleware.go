package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"codetutor/internal/persistence"
)

// ErrMissingToken is returned when no bearer token or query token is present.
var ErrMissingToken = errors.New("auth: missing token")

// Authenticator verifies access tokens and resolves the full user record.
type Authenticator struct {
	jwt   *JWTService
	users persistence.ChatStore
}

func NewAuthenticator(jwt *JWTService, users persistence.ChatStore) *Authenticator {
	return &Authenticator{jwt: jwt, users: users}
}

// AuthenticateToken verifies tokenString as an access token and loads the
// corresponding user record.
func (a *Authenticator) AuthenticateToken(ctx context.Context, tokenString string) (*User, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrMissingToken
	}
	claims, err := a.jwt.VerifyAccess(tokenString)
	if err != nil {
		return nil, err
	}
	record, err := a.users.GetUser(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	return &User{ID: record.ID, Email: record.Email, DisplayName: record.DisplayName}, nil
}

// AuthenticateWebSocket authenticates a WebSocket handshake request, where
// the access token arrives as the "token" query parameter (spec §6).
func (a *Authenticator) AuthenticateWebSocket(r *http.Request) (*User, error) {
	return a.AuthenticateToken(r.Context(), r.URL.Query().Get("token"))
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, prefix))
	}
	return ""
}

// Middleware attaches the authenticated user to the request context when a
// valid bearer token is present. When require is true, unauthenticated
// requests get 401.
func Middleware(a *Authenticator, require bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if u, err := a.AuthenticateToken(r.Context(), bearerToken(r)); err == nil {
				r = r.WithContext(WithUser(r.Context(), u))
			}
			if require {
				if _, ok := CurrentUser(r.Context()); !ok {
					w.Header().Set("WWW-Authenticate", `Bearer realm="codetutor"`)
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
