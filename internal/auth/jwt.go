package auth

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"codetutor/internal/config"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: expired token")
	ErrWrongType    = errors.New("auth: unexpected token type")
)

// tokenClaims is the wire shape signed into the JWT, embedding the
// registered claims golang-jwt expects for exp/iat validation.
type tokenClaims struct {
	gojwt.RegisteredClaims
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	TokenType   string `json:"token_type"`
}

// JWTService issues and verifies the HMAC-signed access/refresh tokens
// described in spec §6. A single secret signs both token types.
type JWTService struct {
	secret          []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
}

func NewJWTService(cfg config.AuthConfig) *JWTService {
	return &JWTService{
		secret:          []byte(cfg.JWTSecret),
		accessTokenTTL:  cfg.AccessTokenTTL,
		refreshTokenTTL: cfg.RefreshTokenTTL,
	}
}

func (s *JWTService) GenerateAccess(u User) (string, error) {
	return s.generate(u, TokenTypeAccess, s.accessTokenTTL)
}

func (s *JWTService) GenerateRefresh(u User) (string, error) {
	return s.generate(u, TokenTypeRefresh, s.refreshTokenTTL)
}

func (s *JWTService) generate(u User, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", u.ID),
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
		Email:       u.Email,
		DisplayName: u.DisplayName,
		TokenType:   tokenType,
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// VerifyAccess parses and validates tokenString as an access token,
// returning the embedded Claims.
func (s *JWTService) VerifyAccess(tokenString string) (*Claims, error) {
	return s.verify(tokenString, TokenTypeAccess)
}

// VerifyRefresh parses and validates tokenString as a refresh token.
func (s *JWTService) VerifyRefresh(tokenString string) (*Claims, error) {
	return s.verify(tokenString, TokenTypeRefresh)
}

func (s *JWTService) verify(tokenString, wantType string) (*Claims, error) {
	claims := &tokenClaims{}
	parsed, err := gojwt.ParseWithClaims(tokenString, claims, s.keyFunc, gojwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, gojwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != wantType {
		return nil, ErrWrongType
	}

	var userID int64
	if _, err := fmt.Sscanf(claims.Subject, "%d", &userID); err != nil {
		return nil, fmt.Errorf("%w: malformed subject", ErrInvalidToken)
	}

	out := &Claims{
		UserID:      userID,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
		TokenType:   claims.TokenType,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

func (s *JWTService) keyFunc(token *gojwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return s.secret, nil
}
