// ABOUTME: JWT token verification and minting for worker and operator principals
// ABOUTME: Uses HS256 signing with a configurable secret of at least 32 bytes

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum HS256 secret size accepted by NewJWTVerifier.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("jwt secret too short")
)

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (Principal, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

type claims struct {
	Kind Kind `json:"kind,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	return &JWTVerifier{secret: secret, now: time.Now}, nil
}

// Verify validates the token and returns the principal named by its "sub" claim.
// Tokens without a "kind" claim are treated as worker tokens.
func (v *JWTVerifier) Verify(tokenString string) (Principal, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredToken
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	if c.Subject == "" {
		return Principal{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	kind := c.Kind
	if kind == "" {
		kind = KindWorker
	}
	return Principal{ID: c.Subject, Kind: kind}, nil
}

// Generate creates a new token for the principal. A zero expiresIn mints a
// token without an expiry.
func (v *JWTVerifier) Generate(principalID string, kind Kind, expiresIn time.Duration) (string, error) {
	if principalID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := v.now()
	c := claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  principalID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if expiresIn > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(expiresIn))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(v.secret)
}
