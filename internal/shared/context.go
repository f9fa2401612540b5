// Package shared holds the request-scoped types that cross module boundaries:
// the resolved caller identity, request metadata for the audit trail, and the
// tri-state Optional used by sparse updates.
package shared

import (
	"context"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// PlatformRole is the global role attached to a user account.
type PlatformRole string

const (
	// PlatformRoleAdmin bypasses all namespace checks.
	PlatformRoleAdmin PlatformRole = "platform_admin"
	// PlatformRoleUser relies on per-namespace memberships.
	PlatformRoleUser PlatformRole = "user"
)

// Valid reports whether the role is a known platform role.
func (r PlatformRole) Valid() bool {
	return r == PlatformRoleAdmin || r == PlatformRoleUser
}

// Principal is the resolved identity of an authenticated caller.
type Principal struct {
	ID           string
	Username     string
	Email        *string
	Active       bool
	PlatformRole PlatformRole
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  *time.Time
}

// IsPlatformAdmin reports whether the caller holds the platform admin role.
func (p Principal) IsPlatformAdmin() bool {
	return p.PlatformRole == PlatformRoleAdmin
}

type principalContextKey struct{}

// ContextWithPrincipal stores the caller identity in context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the caller identity from context.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}

// RequestMeta captures where a request came from, for the audit trail.
type RequestMeta struct {
	IP        string
	UserAgent string
	RequestID string
}

// MetaFromRequest reads audit metadata off an incoming request.
func MetaFromRequest(r *http.Request) RequestMeta {
	return RequestMeta{
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
		RequestID: chimw.GetReqID(r.Context()),
	}
}
