package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fernworks/loom/internal/db"
)

// Store provides database operations for roles, role assignments, and
// delegations.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates an rbac Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// EffectivePermissionNames computes the union of permissions granted to the
// user through global role assignments, project-scoped role assignments, and
// active delegations (global and project-scoped). A nil projectID restricts
// the result to global grants.
func (s *Store) EffectivePermissionNames(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID) ([]string, error) {
	query := `
	SELECT DISTINCT p.name
	FROM permissions p
	WHERE p.id IN (
		SELECT rp.permission_id
		FROM user_roles ur
		JOIN role_permissions rp ON rp.role_id = ur.role_id
		WHERE ur.user_id = $1 AND ur.project_id IS NULL

		UNION

		SELECT rp.permission_id
		FROM user_roles ur
		JOIN role_permissions rp ON rp.role_id = ur.role_id
		WHERE ur.user_id = $1 AND ur.project_id = $2

		UNION

		SELECT d.permission_id
		FROM delegations d
		WHERE d.delegate_id = $1
		  AND d.project_id IS NULL
		  AND d.revoked_at IS NULL
		  AND (d.expires_at IS NULL OR d.expires_at > now())

		UNION

		SELECT d.permission_id
		FROM delegations d
		WHERE d.delegate_id = $1
		  AND d.project_id = $2
		  AND d.revoked_at IS NULL
		  AND (d.expires_at IS NULL OR d.expires_at > now())
	)`
	rows, err := s.dbtx.Query(ctx, query, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying effective permissions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning permission name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating permission names: %w", err)
	}
	return names, nil
}

// PermissionID resolves a permission name to its canonical id.
func (s *Store) PermissionID(ctx context.Context, perm Permission) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.dbtx.QueryRow(ctx, `SELECT id FROM permissions WHERE name = $1`, string(perm)).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolving permission %q: %w", perm, err)
	}
	return id, nil
}

// --- Roles ---

// RoleRow represents a row from the roles table.
type RoleRow struct {
	ID          uuid.UUID
	Name        string
	Description string
	IsSystem    bool
	CreatedAt   time.Time
}

// ListRoles returns all roles ordered by name.
func (s *Store) ListRoles(ctx context.Context) ([]RoleRow, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT id, name, description, is_system, created_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	defer rows.Close()

	var items []RoleRow
	for rows.Next() {
		var r RoleRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.IsSystem, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning role row: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// GetRole returns a role by id.
func (s *Store) GetRole(ctx context.Context, id uuid.UUID) (RoleRow, error) {
	var r RoleRow
	err := s.dbtx.QueryRow(ctx, `SELECT id, name, description, is_system, created_at FROM roles WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Description, &r.IsSystem, &r.CreatedAt)
	return r, err
}

// CreateRole inserts a non-system role.
func (s *Store) CreateRole(ctx context.Context, name, description string) (RoleRow, error) {
	var r RoleRow
	err := s.dbtx.QueryRow(ctx, `
		INSERT INTO roles (id, name, description, is_system)
		VALUES ($1, $2, $3, false)
		RETURNING id, name, description, is_system, created_at`,
		uuid.New(), name, description).
		Scan(&r.ID, &r.Name, &r.Description, &r.IsSystem, &r.CreatedAt)
	return r, err
}

// RolePermissionNames returns the permission names attached to a role.
func (s *Store) RolePermissionNames(ctx context.Context, roleID uuid.UUID) ([]string, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT p.name FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1 ORDER BY p.name`, roleID)
	if err != nil {
		return nil, fmt.Errorf("listing role permissions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ReplaceRolePermissions overwrites a role's permission set. System roles are
// immutable; the caller checks IsSystem first.
func (s *Store) ReplaceRolePermissions(ctx context.Context, roleID uuid.UUID, perms []Permission) error {
	if _, err := s.dbtx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("clearing role permissions: %w", err)
	}
	for _, p := range perms {
		_, err := s.dbtx.Exec(ctx, `
			INSERT INTO role_permissions (role_id, permission_id)
			SELECT $1, id FROM permissions WHERE name = $2
			ON CONFLICT DO NOTHING`, roleID, string(p))
		if err != nil {
			return fmt.Errorf("adding role permission %q: %w", p, err)
		}
	}
	return nil
}

// AssignRole grants a role to a user, optionally scoped to a project.
func (s *Store) AssignRole(ctx context.Context, userID, roleID uuid.UUID, projectID *uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO user_roles (id, user_id, role_id, project_id)
		VALUES ($1, $2, $3, $4)`,
		uuid.New(), userID, roleID, projectID)
	return err
}

// RemoveRole revokes a role assignment.
func (s *Store) RemoveRole(ctx context.Context, userID, roleID uuid.UUID, projectID *uuid.UUID) (bool, error) {
	tag, err := s.dbtx.Exec(ctx, `
		DELETE FROM user_roles
		WHERE user_id = $1 AND role_id = $2 AND project_id IS NOT DISTINCT FROM $3`,
		userID, roleID, projectID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AssignRoleByName grants a named role to a user (used by bootstrap and the
// ephemeral identity service).
func (s *Store) AssignRoleByName(ctx context.Context, userID uuid.UUID, roleName string) error {
	tag, err := s.dbtx.Exec(ctx, `
		INSERT INTO user_roles (id, user_id, role_id)
		SELECT $1, $2, r.id FROM roles r WHERE r.name = $3`,
		uuid.New(), userID, roleName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("role %q not found", roleName)
	}
	return nil
}

// --- Delegations ---

// DelegationRow represents a row from the delegations table joined with its
// permission name.
type DelegationRow struct {
	ID             uuid.UUID
	DelegatorID    uuid.UUID
	DelegateID     uuid.UUID
	PermissionID   uuid.UUID
	PermissionName string
	ProjectID      *uuid.UUID
	ExpiresAt      *time.Time
	Reason         *string
	CreatedAt      time.Time
	RevokedAt      *time.Time
}

const delegationColumns = `d.id, d.delegator_id, d.delegate_id, d.permission_id, p.name,
	d.project_id, d.expires_at, d.reason, d.created_at, d.revoked_at`

func scanDelegation(row pgx.Row) (DelegationRow, error) {
	var d DelegationRow
	err := row.Scan(
		&d.ID, &d.DelegatorID, &d.DelegateID, &d.PermissionID, &d.PermissionName,
		&d.ProjectID, &d.ExpiresAt, &d.Reason, &d.CreatedAt, &d.RevokedAt,
	)
	return d, err
}

// InsertDelegation inserts an unrevoked delegation row.
func (s *Store) InsertDelegation(ctx context.Context, delegatorID, delegateID, permissionID uuid.UUID, projectID *uuid.UUID, expiresAt *time.Time, reason *string) (DelegationRow, error) {
	row := s.dbtx.QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO delegations (id, delegator_id, delegate_id, permission_id, project_id, expires_at, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING *
		)
		SELECT `+delegationColumns+` FROM ins d JOIN permissions p ON p.id = d.permission_id`,
		uuid.New(), delegatorID, delegateID, permissionID, projectID, expiresAt, reason)
	return scanDelegation(row)
}

// RevokeDelegation conditionally sets revoked_at, returning the delegate and
// scope for cache invalidation. Returns pgx.ErrNoRows when already revoked or
// missing.
func (s *Store) RevokeDelegation(ctx context.Context, id uuid.UUID) (delegateID uuid.UUID, projectID *uuid.UUID, err error) {
	err = s.dbtx.QueryRow(ctx, `
		UPDATE delegations SET revoked_at = now()
		WHERE id = $1 AND revoked_at IS NULL
		RETURNING delegate_id, project_id`, id).
		Scan(&delegateID, &projectID)
	return delegateID, projectID, err
}

// ActiveDelegationIDs lists unrevoked delegation ids naming the given user
// as delegate.
func (s *Store) ActiveDelegationIDs(ctx context.Context, delegateID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT id FROM delegations WHERE delegate_id = $1 AND revoked_at IS NULL`, delegateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListDelegations returns delegations granted by or to the given user,
// newest first.
func (s *Store) ListDelegations(ctx context.Context, userID uuid.UUID) ([]DelegationRow, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT `+delegationColumns+`
		FROM delegations d
		JOIN permissions p ON p.id = d.permission_id
		WHERE d.delegator_id = $1 OR d.delegate_id = $1
		ORDER BY d.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing delegations: %w", err)
	}
	defer rows.Close()

	var items []DelegationRow
	for rows.Next() {
		var d DelegationRow
		if err := rows.Scan(
			&d.ID, &d.DelegatorID, &d.DelegateID, &d.PermissionID, &d.PermissionName,
			&d.ProjectID, &d.ExpiresAt, &d.Reason, &d.CreatedAt, &d.RevokedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning delegation row: %w", err)
		}
		items = append(items, d)
	}
	return items, rows.Err()
}
