package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fernworks/loom/internal/db"
)

// cacheTTL bounds staleness of cached permission sets.
const cacheTTL = 5 * time.Minute

// Resolver computes effective permissions with a Redis-backed cache.
type Resolver struct {
	store  *Store
	rdb    *redis.Client
	logger *slog.Logger
}

// NewResolver creates a permission resolver.
func NewResolver(dbtx db.DBTX, rdb *redis.Client, logger *slog.Logger) *Resolver {
	return &Resolver{store: NewStore(dbtx), rdb: rdb, logger: logger}
}

func cacheKey(userID uuid.UUID, projectID *uuid.UUID) string {
	if projectID != nil {
		return fmt.Sprintf("perms:%s:%s", userID, *projectID)
	}
	return fmt.Sprintf("perms:%s:global", userID)
}

// EffectivePermissions resolves the permission set for (user, project),
// consulting the cache first. Unknown permission strings found in the cache
// are dropped and logged, never surfaced as errors.
func (r *Resolver) EffectivePermissions(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID) (map[Permission]struct{}, error) {
	key := cacheKey(userID, projectID)

	if raw, err := r.rdb.Get(ctx, key).Bytes(); err == nil {
		var names []string
		if err := json.Unmarshal(raw, &names); err == nil {
			return r.toSet(names), nil
		}
		// Corrupt cache entry: fall through to the database.
		r.logger.Warn("dropping corrupt permission cache entry", "key", key)
	}

	names, err := r.store.EffectivePermissionNames(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(names); err == nil {
		if err := r.rdb.Set(ctx, key, raw, cacheTTL).Err(); err != nil {
			r.logger.Warn("caching permissions failed", "key", key, "error", err)
		}
	}

	return r.toSet(names), nil
}

func (r *Resolver) toSet(names []string) map[Permission]struct{} {
	set := make(map[Permission]struct{}, len(names))
	for _, name := range names {
		p, ok := ParsePermission(name)
		if !ok {
			r.logger.Warn("unknown permission string, ignoring", "permission", name)
			continue
		}
		set[p] = struct{}{}
	}
	return set
}

// HasPermission reports whether the user holds the permission in the given
// scope.
func (r *Resolver) HasPermission(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID, perm Permission) (bool, error) {
	perms, err := r.EffectivePermissions(ctx, userID, projectID)
	if err != nil {
		return false, err
	}
	_, ok := perms[perm]
	return ok, nil
}

// HasPermissionScoped additionally intersects with API token scopes. A nil
// tokenScopes means session authentication (no intersection).
func (r *Resolver) HasPermissionScoped(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID, perm Permission, tokenScopes []string) (bool, error) {
	if !ScopeAllows(tokenScopes, perm) {
		return false, nil
	}
	return r.HasPermission(ctx, userID, projectID, perm)
}

// Invalidate deletes the user's cached permission sets for the global scope
// and, when given, the project scope. Called when a role assignment or a
// delegation changes; replacing a role's permission set does not call it.
func (r *Resolver) Invalidate(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID) error {
	keys := []string{cacheKey(userID, nil)}
	if projectID != nil {
		keys = append(keys, cacheKey(userID, projectID))
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidating permission cache: %w", err)
	}
	return nil
}
