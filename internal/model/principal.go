package model

import "context"

// Origin classifies where a connection arrived from
type Origin string

const (
	// OriginInternal marks connections from the trusted network range
	OriginInternal Origin = "internal"
	// OriginExternal marks all other connections
	OriginExternal Origin = "external"
)

// Principal is the authenticated identity derived from a client certificate.
// It lives for one connection's authentication handshake and is never persisted.
type Principal struct {
	CommonName string
	Origin     Origin
	Role       string
}

type principalContextKey struct{}

// WithPrincipal attaches the authenticated principal to the context
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext retrieves the authenticated principal, if any
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	return principal, ok
}
