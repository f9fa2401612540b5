package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/datakiln/datakiln/internal/audit"
	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/rbac"
	"github.com/datakiln/datakiln/internal/shared"
)

const sessionTokenBytes = 32

// Service implements account, session and membership operations.
type Service struct {
	repo       Repository
	hasher     *TokenHasher
	audit      *audit.Service
	logger     *slog.Logger
	sessionTTL time.Duration
	now        func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, hasher *TokenHasher, auditSvc *audit.Service, logger *slog.Logger, sessionTTL time.Duration) *Service {
	return &Service{
		repo:       repo,
		hasher:     hasher,
		audit:      auditSvc,
		logger:     logger,
		sessionTTL: sessionTTL,
		now:        time.Now,
	}
}

// SessionToken is a freshly issued raw bearer token. The raw value exists only
// in this struct and the response that carries it to the caller.
type SessionToken struct {
	Raw       string
	ExpiresAt time.Time
}

func (s *Service) issueSession(ctx context.Context, userID string) (*SessionToken, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("identity: generate token: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)
	now := s.now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: s.hasher.HashToken(raw),
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return &SessionToken{Raw: raw, ExpiresAt: sess.ExpiresAt}, nil
}

// Register creates an account with a personal namespace the caller
// administers, and logs the new account in.
func (s *Service) Register(ctx context.Context, meta shared.RequestMeta, username, password string, email *string) (*User, []Membership, *SessionToken, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, nil, nil, err
	}
	now := s.now().UTC()
	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Active:       true,
		PlatformRole: shared.PlatformRoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, nil, nil, err
	}

	namespace := rbac.PersonalNamespace(username)
	if err := s.repo.UpsertMembership(ctx, user.ID, namespace, rbac.RoleNamespaceAdmin); err != nil {
		return nil, nil, nil, err
	}
	memberships, err := s.repo.ListMemberships(ctx, user.ID)
	if err != nil {
		return nil, nil, nil, err
	}

	token, err := s.issueSession(ctx, user.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		Action:        "auth.register",
		ResourceType:  "user",
		ResourceID:    user.ID,
		Namespace:     namespace,
		Success:       true,
		ActorUserID:   user.ID,
		ActorUsername: user.Username,
	}.WithMeta(meta))
	user.PasswordHash = ""
	return user, memberships, token, nil
}

// Login verifies credentials and issues a session. Unknown usernames and bad
// passwords produce the same generic error; disabled accounts are Forbidden.
func (s *Service) Login(ctx context.Context, meta shared.RequestMeta, username, password string) (*User, *SessionToken, error) {
	fail := func(reason string) {
		s.audit.Record(ctx, audit.Entry{
			Action:        "auth.login",
			ActorUsername: username,
			Success:       false,
			Detail:        map[string]any{"reason": reason},
		}.WithMeta(meta))
	}

	user, err := s.repo.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			fail("invalid credentials")
			return nil, nil, fmt.Errorf("%w: invalid credentials", httpx.ErrUnauthenticated)
		}
		return nil, nil, err
	}
	if !VerifyPassword(password, user.PasswordHash) {
		fail("invalid credentials")
		return nil, nil, fmt.Errorf("%w: invalid credentials", httpx.ErrUnauthenticated)
	}
	if !user.Active {
		fail("account disabled")
		return nil, nil, fmt.Errorf("%w: account disabled", httpx.ErrForbidden)
	}

	if err := s.repo.TouchLastLogin(ctx, user.ID, s.now().UTC()); err != nil {
		s.logger.Warn("touch last login failed", slog.String("user_id", user.ID), slog.Any("error", err))
	}
	token, err := s.issueSession(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		Action:        "auth.login",
		ResourceType:  "user",
		ResourceID:    user.ID,
		ActorUserID:   user.ID,
		ActorUsername: user.Username,
		Success:       true,
	}.WithMeta(meta))
	user.PasswordHash = ""
	return user, token, nil
}

// Logout revokes the presented session. Revoking an already-revoked or
// unknown token is a no-op.
func (s *Service) Logout(ctx context.Context, meta shared.RequestMeta, p *shared.Principal, rawToken string) error {
	if err := s.repo.RevokeSession(ctx, s.hasher.HashToken(rawToken), s.now().UTC()); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		Action:  "auth.logout",
		Success: true,
	}.WithActor(p).WithMeta(meta))
	return nil
}

// ResolveToken maps a raw bearer token to the caller identity. Disabled
// accounts fail even when their session is otherwise valid.
func (s *Service) ResolveToken(ctx context.Context, rawToken string) (*shared.Principal, error) {
	user, err := s.repo.ResolveSession(ctx, s.hasher.HashToken(rawToken), s.now().UTC())
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid or expired session", httpx.ErrUnauthenticated)
		}
		return nil, err
	}
	if !user.Active {
		return nil, fmt.Errorf("%w: account disabled", httpx.ErrForbidden)
	}
	return user.Principal(), nil
}

// Me returns the caller's account and memberships.
func (s *Service) Me(ctx context.Context, p *shared.Principal) (*User, []Membership, error) {
	if p == nil {
		return nil, nil, httpx.ErrUnauthenticated
	}
	user, err := s.repo.UserByID(ctx, p.ID)
	if err != nil {
		return nil, nil, err
	}
	memberships, err := s.repo.ListMemberships(ctx, p.ID)
	if err != nil {
		return nil, nil, err
	}
	return user, memberships, nil
}

func requireAdmin(p *shared.Principal) error {
	if p == nil {
		return httpx.ErrUnauthenticated
	}
	if !p.IsPlatformAdmin() {
		return fmt.Errorf("%w: platform admin required", httpx.ErrForbidden)
	}
	return nil
}

// CreateUser provisions an account on behalf of a platform admin.
func (s *Service) CreateUser(ctx context.Context, meta shared.RequestMeta, actor *shared.Principal, username, password string, email *string, role shared.PlatformRole) (*User, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if role == "" {
		role = shared.PlatformRoleUser
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown platform role %q", httpx.ErrInvalidArgument, role)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Active:       true,
		PlatformRole: role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		Action:       "user.create",
		ResourceType: "user",
		ResourceID:   user.ID,
		Success:      true,
		Detail:       map[string]any{"username": username, "platform_role": string(role)},
	}.WithActor(actor).WithMeta(meta))
	user.PasswordHash = ""
	return user, nil
}

// ListUsers returns accounts for the admin surface.
func (s *Service) ListUsers(ctx context.Context, actor *shared.Principal, limit, offset int) ([]User, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListUsers(ctx, limit, offset)
}

// UserUpdate is a sparse admin update of account flags.
type UserUpdate struct {
	Active       shared.Optional[bool]
	PlatformRole shared.Optional[shared.PlatformRole]
}

// UpdateUser applies a sparse update to the active flag and platform role.
func (s *Service) UpdateUser(ctx context.Context, meta shared.RequestMeta, actor *shared.Principal, id string, update UserUpdate) (*User, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	user, err := s.repo.UserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := map[string]any{}
	if active, ok := update.Active.Value(); ok {
		user, err = s.repo.SetUserActive(ctx, id, active)
		if err != nil {
			return nil, err
		}
		detail["active"] = active
	}
	if role, ok := update.PlatformRole.Value(); ok {
		if !role.Valid() {
			return nil, fmt.Errorf("%w: unknown platform role %q", httpx.ErrInvalidArgument, role)
		}
		user, err = s.repo.SetUserPlatformRole(ctx, id, role)
		if err != nil {
			return nil, err
		}
		detail["platform_role"] = string(role)
	}
	if len(detail) > 0 {
		s.audit.Record(ctx, audit.Entry{
			Action:       "user.update",
			ResourceType: "user",
			ResourceID:   id,
			Success:      true,
			Detail:       detail,
		}.WithActor(actor).WithMeta(meta))
	}
	user.PasswordHash = ""
	return user, nil
}

// ResetPassword replaces a user's password hash.
func (s *Service) ResetPassword(ctx context.Context, meta shared.RequestMeta, actor *shared.Principal, id, password string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if _, err := s.repo.UserByID(ctx, id); err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if err := s.repo.SetUserPassword(ctx, id, hash); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		Action:       "user.reset_password",
		ResourceType: "user",
		ResourceID:   id,
		Success:      true,
	}.WithActor(actor).WithMeta(meta))
	return nil
}

// SetMembership grants or changes a user's role within a namespace.
func (s *Service) SetMembership(ctx context.Context, meta shared.RequestMeta, actor *shared.Principal, userID, namespace string, role rbac.NamespaceRole) (*Membership, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	namespace, err := rbac.ValidateNamespace(namespace)
	if err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", httpx.ErrInvalidArgument, role)
	}
	if _, err := s.repo.UserByID(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.repo.UpsertMembership(ctx, userID, namespace, role); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		Action:       "membership.set",
		ResourceType: "membership",
		ResourceID:   userID,
		Namespace:    namespace,
		Success:      true,
		Detail:       map[string]any{"role": string(role)},
	}.WithActor(actor).WithMeta(meta))
	memberships, err := s.repo.ListMemberships(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range memberships {
		if memberships[i].Namespace == namespace {
			return &memberships[i], nil
		}
	}
	return nil, httpx.ErrNotFound
}

// MembershipsFor lists a user's memberships for the admin surface.
func (s *Service) MembershipsFor(ctx context.Context, actor *shared.Principal, userID string) ([]Membership, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if _, err := s.repo.UserByID(ctx, userID); err != nil {
		return nil, err
	}
	return s.repo.ListMemberships(ctx, userID)
}

// EnsureBootstrapAdmin creates the initial platform admin when none of that
// username exists. Called once at startup with configured credentials.
func (s *Service) EnsureBootstrapAdmin(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return nil
	}
	if _, err := s.repo.UserByUsername(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, httpx.ErrNotFound) {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Active:       true,
		PlatformRole: shared.PlatformRoleAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return err
	}
	s.logger.Info("bootstrap admin created", slog.String("username", username))
	return nil
}
