package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/rbac"
	"github.com/datakiln/datakiln/internal/shared"
)

const uniqueViolation = "23505"

const userColumns = `id, username, email, is_active, platform_role, created_at, updated_at, last_login_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func scanUser(row pgx.Row, user *User) error {
	return row.Scan(
		&user.ID, &user.Username, &user.Email, &user.Active,
		&user.PlatformRole, &user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt,
	)
}

// CreateUser inserts a new account; duplicate username or email maps to Conflict.
func (r *PGRepository) CreateUser(ctx context.Context, user *User) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, email, password_hash, is_active, platform_role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.Username, user.Email, user.PasswordHash, user.Active, user.PlatformRole, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: username or email already exists", httpx.ErrConflict)
		}
		return err
	}
	return nil
}

// UserByUsername fetches an account including its password hash.
func (r *PGRepository) UserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+`, password_hash FROM users WHERE username = $1`, username)
	err := row.Scan(
		&user.ID, &user.Username, &user.Email, &user.Active,
		&user.PlatformRole, &user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt,
		&user.PasswordHash,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, httpx.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// UserByID fetches an account without its password hash.
func (r *PGRepository) UserByID(ctx context.Context, id string) (*User, error) {
	var user User
	err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id), &user)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, httpx.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// ListUsers returns accounts ordered by creation time, newest first.
func (r *PGRepository) ListUsers(ctx context.Context, limit, offset int) ([]User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var user User
		if err := scanUser(rows, &user); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// SetUserActive flips the active flag and returns the updated account.
func (r *PGRepository) SetUserActive(ctx context.Context, id string, active bool) (*User, error) {
	var user User
	err := scanUser(r.pool.QueryRow(ctx,
		`UPDATE users SET is_active = $2, updated_at = now() WHERE id = $1 RETURNING `+userColumns, id, active), &user)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, httpx.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// SetUserPassword stores a new password hash.
func (r *PGRepository) SetUserPassword(ctx context.Context, id, passwordHash string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`, id, passwordHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

// SetUserPlatformRole changes the account's platform role.
func (r *PGRepository) SetUserPlatformRole(ctx context.Context, id string, role shared.PlatformRole) (*User, error) {
	var user User
	err := scanUser(r.pool.QueryRow(ctx,
		`UPDATE users SET platform_role = $2, updated_at = now() WHERE id = $1 RETURNING `+userColumns, id, role), &user)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, httpx.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// TouchLastLogin records a successful login time.
func (r *PGRepository) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET last_login_at = $2, updated_at = $2 WHERE id = $1`, id, at)
	return err
}

// UpsertMembership creates or updates the (user, namespace) membership.
func (r *PGRepository) UpsertMembership(ctx context.Context, userID, namespace string, role rbac.NamespaceRole) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO memberships (user_id, namespace, role, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (user_id, namespace) DO UPDATE SET role = EXCLUDED.role, updated_at = EXCLUDED.updated_at`,
		userID, namespace, role)
	return err
}

// ListMemberships returns the user's memberships ordered by namespace.
func (r *PGRepository) ListMemberships(ctx context.Context, userID string) ([]Membership, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT namespace, role, created_at, updated_at FROM memberships WHERE user_id = $1 ORDER BY namespace ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var memberships []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.Namespace, &m.Role, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

// CreateSession stores a new session row.
func (r *PGRepository) CreateSession(ctx context.Context, sess *Session) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, token_hash, created_at, expires_at, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, NULL)`,
		sess.ID, sess.UserID, sess.TokenHash, sess.CreatedAt, sess.ExpiresAt)
	return err
}

// RevokeSession marks the session revoked; already-revoked sessions are left alone.
func (r *PGRepository) RevokeSession(ctx context.Context, tokenHash string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE token_hash = $1 AND revoked_at IS NULL`, tokenHash, at)
	return err
}

// ResolveSession returns the user behind a live session, or NotFound when the
// session is missing, revoked, or expired. Expiry is a query-time predicate;
// no background sweep exists.
func (r *PGRepository) ResolveSession(ctx context.Context, tokenHash string, now time.Time) (*User, error) {
	var user User
	err := scanUser(r.pool.QueryRow(ctx,
		`SELECT u.id, u.username, u.email, u.is_active, u.platform_role, u.created_at, u.updated_at, u.last_login_at
		 FROM sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.token_hash = $1 AND s.revoked_at IS NULL AND s.expires_at > $2`,
		tokenHash, now), &user)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, httpx.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

var _ Repository = (*PGRepository)(nil)
