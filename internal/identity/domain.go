// Package identity implements the credential store: user accounts, password
// hashing, bearer-token sessions, and namespace memberships.
package identity

import (
	"time"

	"github.com/datakiln/datakiln/internal/rbac"
	"github.com/datakiln/datakiln/internal/shared"
)

// User is a stored account. PasswordHash is only populated on the lookup
// paths that need to verify credentials.
type User struct {
	ID           string
	Username     string
	Email        *string
	PasswordHash string
	Active       bool
	PlatformRole shared.PlatformRole
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  *time.Time
}

// Principal converts the stored user into the request-scoped identity.
func (u *User) Principal() *shared.Principal {
	return &shared.Principal{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		Active:       u.Active,
		PlatformRole: u.PlatformRole,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
		LastLoginAt:  u.LastLoginAt,
	}
}

// Membership relates a user to a namespace with a role. One row per
// (user, namespace) pair, upsert semantics.
type Membership struct {
	Namespace string             `json:"namespace"`
	Role      rbac.NamespaceRole `json:"role"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Session is a stored bearer session. Only the keyed hash of the token is
// persisted, never the raw token.
type Session struct {
	ID        string
	UserID    string
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}
