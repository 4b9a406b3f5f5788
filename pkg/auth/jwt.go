// Package auth verifies bearer tokens on the inbound HTTP surface
// (§6, spec's "external surface adapters").
//
// Ported from the teacher's pkg/auth/jwt.go: a JWKS-backed validator
// that auto-fetches and caches provider public keys, refreshing on the
// same interval to tolerate key rotation without a restart.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// jwksRefreshInterval bounds how often the cache re-fetches the JWKS
// document, tolerating provider key rotation without a restart.
const jwksRefreshInterval = 15 * time.Minute

// JWTValidator verifies bearer tokens against a provider's JWKS endpoint.
type JWTValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// Claims is what the orchestrator needs out of a verified token: enough
// to stamp the requester ID onto submitted tasks and rate-limit checks
// (§C "Rate limiting on task submission", scope = requester ID).
type Claims struct {
	Subject string                 `json:"sub"`
	Email   string                 `json:"email"`
	Role    string                 `json:"role"`
	Custom  map[string]interface{} `json:"-"`
}

// NewJWTValidator constructs a validator and performs an initial JWKS
// fetch so misconfiguration surfaces at startup rather than on the
// first request.
func NewJWTValidator(jwksURL, issuer, audience string) (*JWTValidator, error) {
	ctx := context.Background()

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(jwksRefreshInterval)); err != nil {
		return nil, fmt.Errorf("auth: register jwks url: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("auth: initial jwks fetch from %s: %w", jwksURL, err)
	}

	return &JWTValidator{jwksURL: jwksURL, cache: cache, issuer: issuer, audience: audience}, nil
}

// ValidateToken verifies signature, expiry, issuer, and audience, and
// extracts claims the server needs to attribute the request.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("auth: fetch jwks: %w", err)
	}

	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}

	claims := &Claims{Subject: token.Subject(), Custom: make(map[string]interface{})}
	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			claims.Email = s
		}
	}
	if role, ok := token.Get("role"); ok {
		if s, ok := role.(string); ok {
			claims.Role = s
		}
	}

	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		key, _ := pair.Key.(string)
		switch key {
		case "sub", "email", "role", "iss", "aud", "exp", "iat", "nbf":
			continue
		}
		claims.Custom[key] = pair.Value
	}

	return claims, nil
}
