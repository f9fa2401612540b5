package identity

import (
	"context"
	"time"

	"github.com/datakiln/datakiln/internal/rbac"
	"github.com/datakiln/datakiln/internal/shared"
)

// Repository defines persistence operations for the credential store.
type Repository interface {
	CreateUser(ctx context.Context, user *User) error
	UserByUsername(ctx context.Context, username string) (*User, error)
	UserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]User, error)
	SetUserActive(ctx context.Context, id string, active bool) (*User, error)
	SetUserPassword(ctx context.Context, id, passwordHash string) error
	SetUserPlatformRole(ctx context.Context, id string, role shared.PlatformRole) (*User, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error

	UpsertMembership(ctx context.Context, userID, namespace string, role rbac.NamespaceRole) error
	ListMemberships(ctx context.Context, userID string) ([]Membership, error)

	CreateSession(ctx context.Context, sess *Session) error
	RevokeSession(ctx context.Context, tokenHash string, at time.Time) error
	ResolveSession(ctx context.Context, tokenHash string, now time.Time) (*User, error)
}
