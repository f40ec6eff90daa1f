// Package ctxutil provides shared context key accessors.
//
// This package lets mcp read the bearer claims that server's auth
// middleware puts on the request context without mcp importing server.
// Both packages import ctxutil for the context keys.
package ctxutil

import (
	"context"

	"github.com/csfet9/hindsight/internal/auth"
)

type contextKey string

const keyClaims contextKey = "claims"

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the bearer claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// BankIDFromContext extracts the bank_id the request is scoped to.
func BankIDFromContext(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.BankID
	}
	return ""
}
