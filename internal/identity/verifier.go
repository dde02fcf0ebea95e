// Package identity verifies bearer credentials presented on voice upgrades.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned for an empty credential.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken covers bad signatures, expiry and malformed tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the verified token claims.
type Claims map[string]any

// Subject returns the "sub" claim, or "".
func (c Claims) Subject() string {
	s, _ := c["sub"].(string)
	return s
}

// Verifier checks a bearer token. Implementations make a single attempt and
// fail closed.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// JWTVerifier verifies HMAC-signed JWTs.
type JWTVerifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewJWTVerifier creates a verifier for tokens signed with secret. Issuer and
// audience are checked only when non-empty.
func NewJWTVerifier(secret, issuer, audience string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	return &JWTVerifier{secret: []byte(secret), opts: opts}, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	return Claims(claims), nil
}
