// Package auth - jwt.go handles access token signing and verification using a
// shared HS256 secret and maps verified claims onto a Principal.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest accepted signing secret.
const MinSecretLength = 32

var (
	// ErrInvalidToken is returned for tokens that fail parsing, signature or claim checks.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims represents the JWT claims structure
type Claims struct {
	UserID    int64  `json:"user_id"`
	CompanyID int64  `json:"company_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// TokenValidator resolves a bearer token into a Principal.
type TokenValidator interface {
	ValidateToken(tokenString string) (*Principal, error)
}

// JWTManager signs and validates access tokens.
type JWTManager struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTManager creates a manager for the given secret and issuer.
func NewJWTManager(secret, issuer string) (*JWTManager, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", MinSecretLength)
	}
	return &JWTManager{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// GenerateJWT creates a token for the principal.
func (m *JWTManager) GenerateJWT(p Principal, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = 1 * time.Hour // Default to 1 hour
	}
	now := m.now()

	claims := &Claims{
		UserID:    p.UserID,
		CompanyID: p.CompanyID,
		Role:      string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   fmt.Sprintf("%d", p.UserID),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken parses and validates a token and returns its principal.
// The returned principal has no session token; callers attach it.
func (m *JWTManager) ValidateToken(tokenString string) (*Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.UserID <= 0 || claims.CompanyID <= 0 {
		return nil, fmt.Errorf("%w: missing user or company", ErrInvalidToken)
	}
	if err := ValidateRole(claims.Role); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return &Principal{
		UserID:    claims.UserID,
		CompanyID: claims.CompanyID,
		Role:      Role(claims.Role),
	}, nil
}
