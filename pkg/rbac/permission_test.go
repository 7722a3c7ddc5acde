package rbac

import "testing"

func TestParsePermissionClosedSet(t *testing.T) {
	if _, ok := ParsePermission("project:read"); !ok {
		t.Fatal("project:read must parse")
	}
	if _, ok := ParsePermission("project:launch"); ok {
		t.Fatal("unknown permission must not parse")
	}
	if len(AllPermissions) != 13 {
		t.Fatalf("closed set size = %d, want 13", len(AllPermissions))
	}
}

func TestScopeAllowsSessionAuth(t *testing.T) {
	if !ScopeAllows(nil, PermProjectRead) {
		t.Fatal("nil scopes (session auth) must be unrestricted")
	}
	if !ScopeAllows(nil, PermAdminUsers) {
		t.Fatal("nil scopes must allow any permission")
	}
}

func TestScopeAllowsEmptyAndWildcard(t *testing.T) {
	if !ScopeAllows([]string{}, PermProjectRead) {
		t.Fatal("empty scope list is unrestricted")
	}
	if !ScopeAllows([]string{"*"}, PermAdminUsers) {
		t.Fatal("wildcard scope is unrestricted")
	}
}

func TestScopeAllowsMatching(t *testing.T) {
	scopes := []string{"project:read", "project:write"}
	if !ScopeAllows(scopes, PermProjectRead) {
		t.Fatal("matching scope must allow")
	}
	if ScopeAllows(scopes, PermDeployPromote) {
		t.Fatal("non-matching scope must deny")
	}
}

func TestScopeIgnoresUnknownEntries(t *testing.T) {
	scopes := []string{"project:read", "nonexistent:perm"}
	if !ScopeAllows(scopes, PermProjectRead) {
		t.Fatal("known scope must still allow")
	}
	if ScopeAllows(scopes, PermProjectWrite) {
		t.Fatal("unlisted permission must deny")
	}
}
