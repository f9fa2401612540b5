package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/datakiln/datakiln/internal/audit"
	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/rbac"
	"github.com/datakiln/datakiln/internal/shared"
)

type stubRepo struct {
	mu          sync.Mutex
	users       map[string]*User
	memberships map[string]map[string]rbac.NamespaceRole
	sessions    map[string]*Session
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		users:       map[string]*User{},
		memberships: map[string]map[string]rbac.NamespaceRole{},
		sessions:    map[string]*Session{},
	}
}

func (r *stubRepo) CreateUser(_ context.Context, user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Username == user.Username {
			return fmt.Errorf("%w: username or email already exists", httpx.ErrConflict)
		}
	}
	clone := *user
	r.users[user.ID] = &clone
	return nil
}

func (r *stubRepo) UserByUsername(_ context.Context, username string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == username {
			clone := *u
			return &clone, nil
		}
	}
	return nil, httpx.ErrNotFound
}

func (r *stubRepo) UserByID(_ context.Context, id string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, httpx.ErrNotFound
	}
	clone := *u
	clone.PasswordHash = ""
	return &clone, nil
}

func (r *stubRepo) ListUsers(_ context.Context, limit, offset int) ([]User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []User
	for _, u := range r.users {
		clone := *u
		clone.PasswordHash = ""
		out = append(out, clone)
	}
	return out, nil
}

func (r *stubRepo) SetUserActive(_ context.Context, id string, active bool) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, httpx.ErrNotFound
	}
	u.Active = active
	clone := *u
	clone.PasswordHash = ""
	return &clone, nil
}

func (r *stubRepo) SetUserPassword(_ context.Context, id, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return httpx.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (r *stubRepo) SetUserPlatformRole(_ context.Context, id string, role shared.PlatformRole) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, httpx.ErrNotFound
	}
	u.PlatformRole = role
	clone := *u
	clone.PasswordHash = ""
	return &clone, nil
}

func (r *stubRepo) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.LastLoginAt = &at
	}
	return nil
}

func (r *stubRepo) UpsertMembership(_ context.Context, userID, namespace string, role rbac.NamespaceRole) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.memberships[userID] == nil {
		r.memberships[userID] = map[string]rbac.NamespaceRole{}
	}
	r.memberships[userID][namespace] = role
	return nil
}

func (r *stubRepo) ListMemberships(_ context.Context, userID string) ([]Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Membership
	for ns, role := range r.memberships[userID] {
		out = append(out, Membership{Namespace: ns, Role: role})
	}
	return out, nil
}

func (r *stubRepo) CreateSession(_ context.Context, sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *sess
	r.sessions[sess.TokenHash] = &clone
	return nil
}

func (r *stubRepo) RevokeSession(_ context.Context, tokenHash string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[tokenHash]; ok && sess.RevokedAt == nil {
		sess.RevokedAt = &at
	}
	return nil
}

func (r *stubRepo) ResolveSession(_ context.Context, tokenHash string, now time.Time) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[tokenHash]
	if !ok || sess.RevokedAt != nil || !sess.ExpiresAt.After(now) {
		return nil, httpx.ErrNotFound
	}
	u, ok := r.users[sess.UserID]
	if !ok {
		return nil, httpx.ErrNotFound
	}
	clone := *u
	clone.PasswordHash = ""
	return &clone, nil
}

type memAuditStore struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *memAuditStore) Append(_ context.Context, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *memAuditStore) List(_ context.Context, _ audit.Filter) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Entry(nil), s.entries...), nil
}

func (s *memAuditStore) byAction(action string) []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Entry
	for _, e := range s.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *stubRepo, *memAuditStore) {
	t.Helper()
	repo := newStubRepo()
	store := &memAuditStore{}
	hasher := &TokenHasher{secret: []byte("test-secret")}
	svc := NewService(repo, hasher, audit.NewService(store, testLogger()), testLogger(), time.Hour)
	return svc, repo, store
}

func TestRegisterCreatesPersonalNamespace(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	user, memberships, token, err := svc.Register(ctx, shared.RequestMeta{}, "Alice", "password-123", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.PasswordHash != "" {
		t.Fatal("password hash leaked out of the service")
	}
	if token == nil || token.Raw == "" {
		t.Fatal("no session issued")
	}
	if len(memberships) != 1 || memberships[0].Namespace != "alice" || memberships[0].Role != rbac.RoleNamespaceAdmin {
		t.Fatalf("memberships = %+v, want admin of alice", memberships)
	}
	if entries := store.byAction("auth.register"); len(entries) != 1 || !entries[0].Success {
		t.Fatalf("audit entries = %+v", entries)
	}
}

func TestRegisterDuplicateUsernameConflict(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, _, _, err := svc.Register(ctx, shared.RequestMeta{}, "alice", "password-123", nil); err != nil {
		t.Fatal(err)
	}
	_, _, _, err := svc.Register(ctx, shared.RequestMeta{}, "alice", "password-456", nil)
	if !errors.Is(err, httpx.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestLoginGenericFailure(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	if _, _, _, err := svc.Register(ctx, shared.RequestMeta{}, "alice", "password-123", nil); err != nil {
		t.Fatal(err)
	}

	_, _, unknownErr := svc.Login(ctx, shared.RequestMeta{}, "nobody", "password-123")
	_, _, badPassErr := svc.Login(ctx, shared.RequestMeta{}, "alice", "wrong-password")
	if !errors.Is(unknownErr, httpx.ErrUnauthenticated) || !errors.Is(badPassErr, httpx.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v / %v", unknownErr, badPassErr)
	}
	// Unknown user and bad password must be indistinguishable to the caller.
	if unknownErr.Error() != badPassErr.Error() {
		t.Fatalf("login failures distinguishable: %q vs %q", unknownErr, badPassErr)
	}
	if entries := store.byAction("auth.login"); len(entries) != 2 {
		t.Fatalf("expected 2 failed login audit entries, got %d", len(entries))
	}
}

func TestLoginDisabledAccountForbidden(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	user, _, _, err := svc.Register(ctx, shared.RequestMeta{}, "alice", "password-123", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.SetUserActive(ctx, user.ID, false); err != nil {
		t.Fatal(err)
	}
	_, _, err = svc.Login(ctx, shared.RequestMeta{}, "alice", "password-123")
	if !errors.Is(err, httpx.ErrForbidden) {
		t.Fatalf("expected forbidden for disabled account, got %v", err)
	}
}

func TestResolveTokenLifecycle(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	user, _, token, err := svc.Register(ctx, shared.RequestMeta{}, "alice", "password-123", nil)
	if err != nil {
		t.Fatal(err)
	}

	principal, err := svc.ResolveToken(ctx, token.Raw)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if principal.ID != user.ID {
		t.Fatalf("resolved wrong user %q", principal.ID)
	}

	if _, err := svc.ResolveToken(ctx, "not-a-token"); !errors.Is(err, httpx.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated for bogus token, got %v", err)
	}

	if err := svc.Logout(ctx, shared.RequestMeta{}, principal, token.Raw); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ResolveToken(ctx, token.Raw); !errors.Is(err, httpx.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated after logout, got %v", err)
	}
	// Logout is idempotent.
	if err := svc.Logout(ctx, shared.RequestMeta{}, principal, token.Raw); err != nil {
		t.Fatalf("second logout: %v", err)
	}

	// A disabled account invalidates otherwise-valid sessions.
	_, _, token2, err := svc.Register(ctx, shared.RequestMeta{}, "bob", "password-123", nil)
	if err != nil {
		t.Fatal(err)
	}
	bob, err := repo.UserByUsername(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.SetUserActive(ctx, bob.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ResolveToken(ctx, token2.Raw); !errors.Is(err, httpx.ErrForbidden) {
		t.Fatalf("expected forbidden for disabled account session, got %v", err)
	}
}

func TestResolveTokenExpired(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, token, err := svc.Register(ctx, shared.RequestMeta{}, "alice", "password-123", nil)
	if err != nil {
		t.Fatal(err)
	}
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := svc.ResolveToken(ctx, token.Raw); !errors.Is(err, httpx.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated for expired session, got %v", err)
	}
}

func TestAdminOperationsRequirePlatformAdmin(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	user, _, _, err := svc.Register(ctx, shared.RequestMeta{}, "alice", "password-123", nil)
	if err != nil {
		t.Fatal(err)
	}
	principal := user.Principal()

	if _, err := svc.ListUsers(ctx, principal, 10, 0); !errors.Is(err, httpx.ErrForbidden) {
		t.Fatalf("list: expected forbidden, got %v", err)
	}
	if _, err := svc.CreateUser(ctx, shared.RequestMeta{}, principal, "eve", "password-123", nil, ""); !errors.Is(err, httpx.ErrForbidden) {
		t.Fatalf("create: expected forbidden, got %v", err)
	}
	if _, err := svc.SetMembership(ctx, shared.RequestMeta{}, principal, user.ID, "team", rbac.RoleViewer); !errors.Is(err, httpx.ErrForbidden) {
		t.Fatalf("membership: expected forbidden, got %v", err)
	}
	if _, err := svc.ListUsers(ctx, nil, 10, 0); !errors.Is(err, httpx.ErrUnauthenticated) {
		t.Fatalf("anonymous: expected unauthenticated, got %v", err)
	}
}

func TestAdminMembershipFlow(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	if err := svc.EnsureBootstrapAdmin(ctx, "root", "root-password-1"); err != nil {
		t.Fatal(err)
	}
	admin, _, err := svc.Login(ctx, shared.RequestMeta{}, "root", "root-password-1")
	if err != nil {
		t.Fatalf("admin login: %v", err)
	}
	actor := admin.Principal()

	user, err := svc.CreateUser(ctx, shared.RequestMeta{}, actor, "carol", "password-123", nil, shared.PlatformRoleUser)
	if err != nil {
		t.Fatal(err)
	}
	membership, err := svc.SetMembership(ctx, shared.RequestMeta{}, actor, user.ID, "team.data", rbac.RoleEditor)
	if err != nil {
		t.Fatal(err)
	}
	if membership.Role != rbac.RoleEditor {
		t.Fatalf("role = %q, want editor", membership.Role)
	}

	updated, err := svc.UpdateUser(ctx, shared.RequestMeta{}, actor, user.ID, UserUpdate{Active: shared.Some(false)})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Active {
		t.Fatal("active flag not updated")
	}

	if err := svc.ResetPassword(ctx, shared.RequestMeta{}, actor, user.ID, "new-password-9"); err != nil {
		t.Fatal(err)
	}

	for _, action := range []string{"user.create", "membership.set", "user.update", "user.reset_password"} {
		if len(store.byAction(action)) != 1 {
			t.Fatalf("expected one %s audit entry", action)
		}
	}
}

func TestEnsureBootstrapAdminIdempotent(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.EnsureBootstrapAdmin(ctx, "root", "root-password-1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.EnsureBootstrapAdmin(ctx, "root", "different-password"); err != nil {
		t.Fatal(err)
	}
	if len(repo.users) != 1 {
		t.Fatalf("bootstrap created %d users", len(repo.users))
	}
	// Empty credentials disable bootstrapping entirely.
	if err := svc.EnsureBootstrapAdmin(ctx, "", ""); err != nil {
		t.Fatal(err)
	}
}
