package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"codetutor/internal/config"
	"codetutor/internal/persistence"
)

type fakeUserStore struct {
	persistence.ChatStore
	users map[int64]persistence.User
}

func (f *fakeUserStore) GetUser(ctx context.Context, userID int64) (persistence.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return persistence.User{}, persistence.ErrNotFound
	}
	return u, nil
}

func newTestAuthenticator() (*Authenticator, *JWTService) {
	jwtSvc := NewJWTService(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: time.Hour})
	store := &fakeUserStore{users: map[int64]persistence.User{
		7: {ID: 7, Email: "grace@example.com", DisplayName: "Grace"},
	}}
	return NewAuthenticator(jwtSvc, store), jwtSvc
}

func TestAuthenticateWebSocket_ValidQueryToken(t *testing.T) {
	a, jwtSvc := newTestAuthenticator()
	token, err := jwtSvc.GenerateAccess(User{ID: 7})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws/chat?token="+token, nil)
	u, err := a.AuthenticateWebSocket(r)
	require.NoError(t, err)
	require.Equal(t, "Grace", u.DisplayName)
}

func TestAuthenticateWebSocket_MissingTokenRejected(t *testing.T) {
	a, _ := newTestAuthenticator()
	r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	_, err := a.AuthenticateWebSocket(r)
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestMiddleware_RequiresAuthWhenMandated(t *testing.T) {
	a, _ := newTestAuthenticator()
	handler := Middleware(a, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/chat/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_InjectsUserFromBearerToken(t *testing.T) {
	a, jwtSvc := newTestAuthenticator()
	token, err := jwtSvc.GenerateAccess(User{ID: 7})
	require.NoError(t, err)

	var seen *User
	handler := Middleware(a, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, _ := CurrentUser(r.Context())
		seen = u
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/chat/sessions", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, seen)
	require.Equal(t, "grace@example.com", seen.Email)
}
