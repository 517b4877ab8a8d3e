/**
 * @description
 * Session tokens are HS256-signed JWTs. The username travels in the subject
 * claim and the token id (jti) identifies the session for logout.
 *
 * @notes
 * - Only HS256 is accepted; tokens signed with any other algorithm or key,
 *   tokens without an expiry and tokens of another issuer are rejected.
 * - Every validation failure is reported as domain.ErrInvalidToken. Failing to
 *   reach the revocation store is reported as a plain error.
 */
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/fabio-anzola/websec-BadBank/internal/domain"
)

// MinSecretLength is the minimum length of the HS256 signing key in bytes.
const MinSecretLength = 32

// Claims are the JWT claims of a session token.
type Claims struct {
	UserID int64       `json:"uid"`
	Role   domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Username returns the subject of the token.
func (c *Claims) Username() string {
	return c.Subject
}

// Token is a signed session token.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenManager issues, validates and revokes session tokens.
type TokenManager struct {
	secret      []byte
	issuer      string
	ttl         time.Duration
	revocations RevocationStore
	now         func() time.Time
}

// NewTokenManager creates a TokenManager. The secret must be at least
// MinSecretLength bytes long.
func NewTokenManager(secret, issuer string, ttl time.Duration, revocations RevocationStore) (*TokenManager, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	if revocations == nil {
		revocations = NewMemoryRevocationStore()
	}
	return &TokenManager{
		secret:      []byte(secret),
		issuer:      issuer,
		ttl:         ttl,
		revocations: revocations,
		now:         time.Now,
	}, nil
}

// SetClock replaces the time source. Used by tests.
func (m *TokenManager) SetClock(now func() time.Time) {
	m.now = now
}

// Issue creates a token for the user.
func (m *TokenManager) Issue(user *domain.User) (Token, error) {
	now := m.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(m.ttl)
	claims := &Claims{
		UserID: user.ID,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.Username,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: value, ExpiresAt: expiresAt}, nil
}

// Validate parses and verifies a token and checks that it was not revoked.
func (m *TokenManager) Validate(ctx context.Context, raw string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, domain.ErrInvalidToken
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, domain.ErrInvalidToken
	}

	revoked, err := m.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return nil, domain.ErrInvalidToken
	}
	return claims, nil
}

// Revoke invalidates the token with the given id until it expires.
func (m *TokenManager) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if tokenID == "" {
		return domain.ErrInvalidToken
	}
	return m.revocations.Revoke(ctx, tokenID, expiresAt)
}
