package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/shared"
)

// Authority enforces the minimum-role gate for namespace-scoped operations.
type Authority struct {
	repo MembershipRepository
}

// NewAuthority constructs an Authority.
func NewAuthority(repo MembershipRepository) *Authority {
	return &Authority{repo: repo}
}

// RequireRole resolves the caller's effective role within a namespace and
// fails with Forbidden unless it satisfies min. Platform admins short-circuit
// to namespace_admin with no membership lookup.
func (a *Authority) RequireRole(ctx context.Context, p *shared.Principal, namespace string, min NamespaceRole) (NamespaceRole, error) {
	namespace, err := ValidateNamespace(namespace)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", httpx.ErrUnauthenticated
	}
	if p.IsPlatformAdmin() {
		return RoleNamespaceAdmin, nil
	}

	role, err := a.repo.RoleFor(ctx, p.ID, namespace)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return "", fmt.Errorf("%w: no access to namespace %s", httpx.ErrForbidden, namespace)
		}
		return "", err
	}
	if !role.Allows(min) {
		return "", fmt.Errorf("%w: insufficient role for namespace %s", httpx.ErrForbidden, namespace)
	}
	return role, nil
}

// RequireRoleForPath applies the same gate to a caller-supplied filesystem
// path: the namespace is re-derived from the canonicalized path, never from
// the caller's claims.
func (a *Authority) RequireRoleForPath(ctx context.Context, p *shared.Principal, root, path string, min NamespaceRole) (namespace, resolved string, err error) {
	namespace, resolved, err = ResolveNamespaceFromPath(root, path)
	if err != nil {
		return "", "", err
	}
	if _, err := a.RequireRole(ctx, p, namespace, min); err != nil {
		return "", "", err
	}
	return namespace, resolved, nil
}
