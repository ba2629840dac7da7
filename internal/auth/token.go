// Package auth issues and validates the platform's bearer tokens and
// manages refresh-token rotation through the KV substrate.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/nbworkflows/labflow/pkg/model"
)

// ScopeAny is the wildcard action within a namespace, e.g. "admin:any".
const ScopeAny = "any"

// Claims is the access-token payload.
type Claims struct {
	Username string   `json:"usr"`
	Scopes   []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// TokenCodec encodes and decodes HS256 access tokens.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenCodec creates a codec signing with secret; tokens expire after
// ttl.
func NewTokenCodec(secret string, ttl time.Duration) *TokenCodec {
	return &TokenCodec{secret: []byte(secret), ttl: ttl}
}

// Encode signs an access token for the user.
func (c *TokenCodec) Encode(username string, scopes []string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Username: username,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Decode validates signature and expiry and returns the claims.
func (c *TokenCodec) Decode(tokenStr string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return nil, model.NewAuthError(err.Error())
	}
	if !token.Valid {
		return nil, model.NewAuthError("invalid token")
	}
	return &claims, nil
}

// DecodeExpired parses claims without enforcing expiry. Used during
// refresh, where the old access token is expected to be stale.
func (c *TokenCodec) DecodeExpired(tokenStr string) (*Claims, error) {
	var claims Claims
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, err := parser.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return nil, model.NewAuthError(err.Error())
	}
	if !token.Valid {
		return nil, model.NewAuthError("invalid token")
	}
	return &claims, nil
}

// HasScopes checks that the claims carry every required "ns:action" scope
// namespace. requireAll=false accepts any single match instead.
func HasScopes(claims *Claims, required []string, requireAll bool) bool {
	if len(required) == 0 {
		return true
	}
	matched := 0
	for _, req := range required {
		reqNS, reqAction, _ := strings.Cut(req, ":")
		for _, have := range claims.Scopes {
			ns, action, _ := strings.Cut(have, ":")
			if ns != reqNS {
				continue
			}
			if action == ScopeAny || action == reqAction || reqAction == ScopeAny {
				matched++
				break
			}
		}
	}
	if requireAll {
		return matched == len(required)
	}
	return matched > 0
}
