package rbac

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func testResolver(t *testing.T) (*Resolver, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewResolver(nil, rdb, slog.Default()), mr
}

func seedCache(t *testing.T, mr *miniredis.Miniredis, userID uuid.UUID, projectID *uuid.UUID, perms []string) {
	t.Helper()
	raw, err := json.Marshal(perms)
	if err != nil {
		t.Fatal(err)
	}
	if err := mr.Set(cacheKey(userID, projectID), string(raw)); err != nil {
		t.Fatal(err)
	}
}

func TestCacheKey(t *testing.T) {
	user := uuid.New()
	projectA := uuid.New()
	projectB := uuid.New()

	if cacheKey(user, nil) != "perms:"+user.String()+":global" {
		t.Errorf("global key = %q", cacheKey(user, nil))
	}
	if cacheKey(user, &projectA) == cacheKey(user, &projectB) {
		t.Error("different projects must produce different keys")
	}
	if cacheKey(uuid.New(), &projectA) == cacheKey(user, &projectA) {
		t.Error("different users must produce different keys")
	}
}

func TestEffectivePermissionsFromCache(t *testing.T) {
	resolver, mr := testResolver(t)
	userID := uuid.New()
	seedCache(t, mr, userID, nil, []string{"project:read", "deploy:promote"})

	perms, err := resolver.EffectivePermissions(context.Background(), userID, nil)
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}
	if len(perms) != 2 {
		t.Fatalf("perms = %v", perms)
	}
	if _, ok := perms[PermProjectRead]; !ok {
		t.Error("project:read missing")
	}
}

func TestEffectivePermissionsDropsUnknownStrings(t *testing.T) {
	resolver, mr := testResolver(t)
	userID := uuid.New()
	seedCache(t, mr, userID, nil, []string{"project:read", "totally:bogus"})

	perms, err := resolver.EffectivePermissions(context.Background(), userID, nil)
	if err != nil {
		t.Fatalf("unknown strings must never error: %v", err)
	}
	if len(perms) != 1 {
		t.Fatalf("perms = %v, want only project:read", perms)
	}
}

func TestHasPermissionScopedIntersection(t *testing.T) {
	resolver, mr := testResolver(t)
	userID := uuid.New()
	seedCache(t, mr, userID, nil, []string{"project:read", "project:write"})

	// Token scope excludes project:write even though the role grants it.
	ok, err := resolver.HasPermissionScoped(context.Background(), userID, nil, PermProjectWrite, []string{"project:read"})
	if err != nil {
		t.Fatalf("checking: %v", err)
	}
	if ok {
		t.Fatal("scope intersection must deny unlisted permissions")
	}

	ok, err = resolver.HasPermissionScoped(context.Background(), userID, nil, PermProjectRead, []string{"project:read"})
	if err != nil || !ok {
		t.Fatalf("scoped allowed permission must pass, ok=%v err=%v", ok, err)
	}

	// Session auth (nil scopes) applies no intersection.
	ok, err = resolver.HasPermissionScoped(context.Background(), userID, nil, PermProjectWrite, nil)
	if err != nil || !ok {
		t.Fatalf("session auth must not intersect, ok=%v err=%v", ok, err)
	}
}

func TestInvalidateDeletesBothScopes(t *testing.T) {
	resolver, mr := testResolver(t)
	userID := uuid.New()
	projectID := uuid.New()
	seedCache(t, mr, userID, nil, []string{"project:read"})
	seedCache(t, mr, userID, &projectID, []string{"project:read"})

	if err := resolver.Invalidate(context.Background(), userID, &projectID); err != nil {
		t.Fatalf("invalidating: %v", err)
	}

	if mr.Exists(cacheKey(userID, nil)) {
		t.Error("global cache entry must be deleted")
	}
	if mr.Exists(cacheKey(userID, &projectID)) {
		t.Error("project cache entry must be deleted")
	}
}

func TestCacheTTLBound(t *testing.T) {
	if cacheTTL != 5*time.Minute {
		t.Fatalf("cache TTL = %v, want 5m", cacheTTL)
	}
}
