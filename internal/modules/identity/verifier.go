// Package identity authenticates callers with HS256 bearer tokens issued by
// the identity provider. The token subject is the user id.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Verifier struct {
	key      []byte
	issuer   string
	audience string
	now      func() time.Time
}

type VerifierOption func(*Verifier)

func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

func NewVerifier(key []byte, issuer, audience string, opts ...VerifierOption) (*Verifier, error) {
	if len(key) == 0 {
		return nil, errors.New("identity signing key is required")
	}

	v := &Verifier{
		key:      key,
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v, nil
}

// Verify checks the signature, expiry, issuer and audience of token and
// returns its subject.
func (v *Verifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("missing token: %w", ErrUnauthenticated)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, parserOpts...)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrUnauthenticated)
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("token has no subject: %w", ErrUnauthenticated)
	}

	return claims.Subject, nil
}
