package rbac

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/datakiln/datakiln/internal/platform/httpx"
)

var (
	namespaceRE = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)
	slugInvalid = regexp.MustCompile(`[^a-z0-9_-]+`)
)

// ReservedPrefix marks namespaces owned by the platform itself; callers can
// never be granted access to them, not even platform admins via path lookups.
const ReservedPrefix = "_"

// ValidateNamespace checks namespace syntax and returns the trimmed value.
func ValidateNamespace(namespace string) (string, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return "", fmt.Errorf("%w: namespace is required", httpx.ErrInvalidArgument)
	}
	if !namespaceRE.MatchString(namespace) {
		return "", fmt.Errorf("%w: invalid namespace %q", httpx.ErrInvalidArgument, namespace)
	}
	return namespace, nil
}

// PersonalNamespace derives the auto-created namespace for a fresh account
// from its username: NFKC-folded, lowercased, restricted to the namespace
// character set.
func PersonalNamespace(username string) string {
	folded := strings.ToLower(norm.NFKC.String(strings.TrimSpace(username)))
	slug := strings.Trim(slugInvalid.ReplaceAllString(folded, "_"), "_")
	if slug == "" {
		return "user_" + strings.ToLower(username)
	}
	return slug
}

// ResolveNamespaceFromPath canonicalizes a caller-supplied filesystem path and
// extracts the namespace it belongs to under the data root. Paths escaping the
// root fail with InvalidArgument; paths under a reserved namespace fail with
// Forbidden. Callers must still apply the role gate to the returned namespace.
func ResolveNamespaceFromPath(root, path string) (namespace, resolved string, err error) {
	rootResolved, err := canonicalize(root)
	if err != nil {
		return "", "", fmt.Errorf("%w: invalid data root", httpx.ErrInvalidArgument)
	}
	resolved, err = canonicalize(path)
	if err != nil {
		return "", "", fmt.Errorf("%w: invalid file path", httpx.ErrInvalidArgument)
	}

	rel, err := filepath.Rel(rootResolved, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: invalid file path", httpx.ErrInvalidArgument)
	}

	namespace = strings.Split(rel, string(filepath.Separator))[0]
	if strings.HasPrefix(namespace, ReservedPrefix) {
		return "", "", fmt.Errorf("%w: access to internal namespace is forbidden", httpx.ErrForbidden)
	}
	namespace, err = ValidateNamespace(namespace)
	if err != nil {
		return "", "", err
	}
	return namespace, resolved, nil
}

// canonicalize makes the path absolute and resolves symlinks for every
// component that exists, mirroring a non-strict resolve.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	dir := abs
	rest := ""
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest), nil
		}
	}
}
