// Package rbac implements the namespace authorization authority: role
// ranking, namespace syntax validation, and the dual namespace/path role
// gate applied before every namespace-scoped operation.
package rbac

// NamespaceRole is a per-(user, namespace) authorization level.
type NamespaceRole string

const (
	RoleViewer         NamespaceRole = "viewer"
	RoleEditor         NamespaceRole = "editor"
	RoleNamespaceAdmin NamespaceRole = "namespace_admin"
)

var roleRank = map[NamespaceRole]int{
	RoleViewer:         0,
	RoleEditor:         1,
	RoleNamespaceAdmin: 2,
}

// Valid reports whether the role is one of the known namespace roles.
func (r NamespaceRole) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Allows reports whether the role satisfies the given minimum. Ranking is a
// strict total order: viewer < editor < namespace_admin. Roles outside the
// ranking allow nothing, so a corrupt stored role cannot pass any gate.
func (r NamespaceRole) Allows(min NamespaceRole) bool {
	rank, ok := roleRank[r]
	if !ok {
		return false
	}
	minRank, ok := roleRank[min]
	if !ok {
		return false
	}
	return rank >= minRank
}
