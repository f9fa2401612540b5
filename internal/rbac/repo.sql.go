package rbac

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datakiln/datakiln/internal/platform/httpx"
)

// MembershipRepository resolves the stored role for a (user, namespace) pair.
type MembershipRepository interface {
	RoleFor(ctx context.Context, userID, namespace string) (NamespaceRole, error)
}

// PGRepository implements MembershipRepository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// RoleFor fetches the membership role, or httpx.ErrNotFound when absent.
func (r *PGRepository) RoleFor(ctx context.Context, userID, namespace string) (NamespaceRole, error) {
	var role string
	err := r.pool.QueryRow(ctx,
		`SELECT role FROM memberships WHERE user_id = $1 AND namespace = $2`,
		userID, namespace,
	).Scan(&role)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", httpx.ErrNotFound
		}
		return "", err
	}
	return NamespaceRole(role), nil
}

var _ MembershipRepository = (*PGRepository)(nil)
