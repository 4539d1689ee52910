package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CredentialSource supplies the bearer token sent with every request.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a pre-issued bearer token.
type StaticToken string

// Token returns the token, or an error when it is empty.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("protocol: static token is empty")
	}
	return string(t), nil
}

const (
	defaultTokenTTL = 15 * time.Minute

	// refreshMargin is how long before expiry a cached token is replaced.
	refreshMargin = 30 * time.Second
)

// accessClaims mirrors the claims of the service's own access tokens.
type accessClaims struct {
	UserID    string `json:"user_id"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// JWTSigner mints HS256 access tokens for a service user from a shared
// secret. Tokens are cached until shortly before they expire.
//
// JWTSigner is safe for concurrent use.
type JWTSigner struct {
	secret []byte
	userID string
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

var _ CredentialSource = (*JWTSigner)(nil)

// NewJWTSigner returns a signer for userID. A non-positive ttl uses 15
// minutes.
func NewJWTSigner(secret []byte, userID string, ttl time.Duration) (*JWTSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("protocol: jwt secret is required")
	}
	if userID == "" {
		return nil, errors.New("protocol: jwt user id is required")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &JWTSigner{secret: secret, userID: userID, ttl: ttl, now: time.Now}, nil
}

// Token returns the cached token or signs a new one.
func (s *JWTSigner) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Before(s.expires.Add(-refreshMargin)) {
		return s.token, nil
	}

	expires := now.Add(s.ttl)
	claims := accessClaims{
		UserID:    s.userID,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("protocol: sign token: %w", err)
	}
	s.token, s.expires = signed, expires
	return signed, nil
}
