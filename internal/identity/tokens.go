package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/wardgate/sentinel/backend/internal/kvstore"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var (
	// ErrInvalidToken covers expired, malformed, mistyped and revoked tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the signed token contents.
type Claims struct {
	jwt.RegisteredClaims
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	TokenType string `json:"token_type"`
}

// TokenPair is what a successful login or refresh returns.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"` // seconds until the access token expires
}

// TokenService issues and validates HMAC-signed JWTs. When a store is
// attached, logout revokes tokens by jti for the remainder of their lifetime.
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	store      *kvstore.Store
	now        func() time.Time
}

// NewTokenService builds a TokenService. store may be nil; revocation then
// degrades to expiry-only invalidation.
func NewTokenService(secret string, accessTTL, refreshTTL time.Duration, store *kvstore.Store) (*TokenService, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &TokenService{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		store:      store,
		now:        time.Now,
	}, nil
}

// IssuePair signs a fresh access/refresh pair for the user.
func (s *TokenService) IssuePair(user *User) (*TokenPair, error) {
	access, err := s.sign(user, tokenTypeAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(user, tokenTypeRefresh, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.accessTTL.Seconds()),
	}, nil
}

func (s *TokenService) sign(user *User, tokenType string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
		},
		Email:     user.Email,
		Name:      user.Name,
		TokenType: tokenType,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateAccess parses and checks an access token, including revocation.
func (s *TokenService) ValidateAccess(ctx context.Context, tokenString string) (*Claims, error) {
	return s.validate(ctx, tokenString, tokenTypeAccess)
}

func (s *TokenService) validate(ctx context.Context, tokenString, wantType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.TokenType != wantType {
		return nil, ErrInvalidToken
	}
	if s.revoked(ctx, claims.ID) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Refresh validates a refresh token, revokes it, and issues a new pair. A
// refresh token is single-use when a store is attached.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.validate(ctx, refreshToken, tokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	s.revokeClaims(ctx, claims)
	user := &User{ID: claims.Subject, Email: claims.Email, Name: claims.Name}
	return s.IssuePair(user)
}

// Revoke invalidates a token for the remainder of its lifetime. Malformed
// tokens are rejected; revoking twice is harmless.
func (s *TokenService) Revoke(ctx context.Context, tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return ErrInvalidToken
	}
	s.revokeClaims(ctx, claims)
	return nil
}

func (s *TokenService) revokeClaims(ctx context.Context, claims *Claims) {
	if s.store == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return
	}
	s.store.Set(ctx, revocationKey(claims.ID), "1", ttl)
}

func (s *TokenService) revoked(ctx context.Context, jti string) bool {
	if s.store == nil || jti == "" {
		return false
	}
	_, found := s.store.Get(ctx, revocationKey(jti))
	return found
}

func revocationKey(jti string) string {
	return "jwt:revoked:" + jti
}
