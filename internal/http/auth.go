package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Roles recognised by the API. Only admin may trigger cycles when auth is required.
const (
	RoleAdmin    = "admin"
	RoleOps      = "ops"
	RoleReadOnly = "readOnly"
)

type contextKey int

const claimsKey contextKey = 1

type Claims struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
	jwt.RegisteredClaims
}

type AuthConfig struct{ Key []byte }

// ParseFromHeader validates an HS256 bearer token from an Authorization header.
func (a AuthConfig) ParseFromHeader(authz string) (*Claims, error) {
	if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return nil, errors.New("missing bearer token")
	}
	tok := strings.TrimSpace(authz[len("bearer "):])
	var c Claims
	_, err := jwt.ParseWithClaims(tok, &c, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return a.Key, nil
	})
	if err != nil {
		return nil, errors.New("invalid token")
	}
	return &c, nil
}

// Sign issues a token for subject with roles. Used by tooling and tests.
func (a AuthConfig) Sign(subject string, roles ...string) (string, error) {
	c := Claims{Subject: subject, Roles: roles, RegisteredClaims: jwt.RegisteredClaims{Subject: subject}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.Key)
}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func ClaimsFrom(ctx context.Context) *Claims {
	if v := ctx.Value(claimsKey); v != nil {
		if c, ok := v.(*Claims); ok {
			return c
		}
	}
	return &Claims{Subject: "anonymous", Roles: []string{RoleReadOnly}}
}

func HasRole(c *Claims, want string) bool {
	for _, r := range c.Roles {
		if r == want {
			return true
		}
	}
	return false
}
