// Package rbac implements roles, scoped permissions, delegations, and the
// cached permission resolver.
package rbac

// Permission identifies a capability as a "resource:action" string drawn
// from a closed set.
type Permission string

const (
	PermProjectRead   Permission = "project:read"
	PermProjectWrite  Permission = "project:write"
	PermProjectDelete Permission = "project:delete"
	PermAgentRun      Permission = "agent:run"
	PermDeployRead    Permission = "deploy:read"
	PermDeployPromote Permission = "deploy:promote"
	PermObserveRead   Permission = "observe:read"
	PermObserveWrite  Permission = "observe:write"
	PermAlertManage   Permission = "alert:manage"
	PermSecretRead    Permission = "secret:read"
	PermSecretWrite   Permission = "secret:write"
	PermAdminUsers    Permission = "admin:users"
	PermAdminDelegate Permission = "admin:delegate"
)

// AllPermissions lists every permission in the closed set.
var AllPermissions = []Permission{
	PermProjectRead, PermProjectWrite, PermProjectDelete,
	PermAgentRun,
	PermDeployRead, PermDeployPromote,
	PermObserveRead, PermObserveWrite,
	PermAlertManage,
	PermSecretRead, PermSecretWrite,
	PermAdminUsers, PermAdminDelegate,
}

var permissionSet = func() map[Permission]struct{} {
	m := make(map[Permission]struct{}, len(AllPermissions))
	for _, p := range AllPermissions {
		m[p] = struct{}{}
	}
	return m
}()

// ParsePermission validates a permission string against the closed set.
func ParsePermission(s string) (Permission, bool) {
	p := Permission(s)
	_, ok := permissionSet[p]
	return p, ok
}

func (p Permission) String() string { return string(p) }

// ScopeAllows reports whether a set of API token scopes permits the given
// permission. A nil scope list (session auth), an empty list, or a "*" entry
// is unrestricted; otherwise the permission string must appear in the list.
func ScopeAllows(tokenScopes []string, perm Permission) bool {
	if tokenScopes == nil {
		return true
	}
	if len(tokenScopes) == 0 {
		return true
	}
	for _, s := range tokenScopes {
		if s == "*" || s == string(perm) {
			return true
		}
	}
	return false
}
