// Package seed bootstraps system data on first run: the permission closed
// set, the system roles, and the initial admin user.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fernworks/loom/internal/auth"
	"github.com/fernworks/loom/pkg/rbac"
)

type permDef struct {
	name        rbac.Permission
	resource    string
	action      string
	description string
}

var systemPermissions = []permDef{
	{rbac.PermProjectRead, "project", "read", "Read project data, issues, MRs"},
	{rbac.PermProjectWrite, "project", "write", "Create/update projects, issues, MRs"},
	{rbac.PermProjectDelete, "project", "delete", "Delete projects"},
	{rbac.PermAgentRun, "agent", "run", "Start agent sessions"},
	{rbac.PermDeployRead, "deploy", "read", "View deployments"},
	{rbac.PermDeployPromote, "deploy", "promote", "Promote deployments between environments"},
	{rbac.PermObserveRead, "observe", "read", "Read logs, metrics, traces"},
	{rbac.PermObserveWrite, "observe", "write", "Write observability data"},
	{rbac.PermAlertManage, "alert", "manage", "Create and manage alert rules"},
	{rbac.PermSecretRead, "secret", "read", "Read secret metadata (not values)"},
	{rbac.PermSecretWrite, "secret", "write", "Create and update secrets"},
	{rbac.PermAdminUsers, "admin", "users", "Manage users and roles"},
	{rbac.PermAdminDelegate, "admin", "delegate", "Delegate permissions to other users/agents"},
}

type roleDef struct {
	name        string
	description string
	permissions []rbac.Permission
}

var systemRoles = []roleDef{
	{"admin", "Platform administrator with full access", nil}, // admin gets every permission
	{"developer", "Human developer with project and agent access", []rbac.Permission{
		rbac.PermProjectRead, rbac.PermProjectWrite, rbac.PermAgentRun,
		rbac.PermDeployRead, rbac.PermObserveRead, rbac.PermSecretRead,
	}},
	{"ops", "Operations staff with deploy and observe access", []rbac.Permission{
		rbac.PermDeployRead, rbac.PermDeployPromote, rbac.PermObserveRead,
		rbac.PermObserveWrite, rbac.PermAlertManage, rbac.PermSecretRead,
	}},
	{"agent", "AI agent identity — permissions granted via delegation", nil},
	{"viewer", "Read-only access", []rbac.Permission{
		rbac.PermProjectRead, rbac.PermObserveRead, rbac.PermDeployRead,
	}},
}

// Run seeds permissions, roles, and the admin account. It is a no-op once
// any user exists.
func Run(ctx context.Context, pool *pgxpool.Pool, adminPassword string, logger *slog.Logger) error {
	var userCount int64
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&userCount); err != nil {
		return fmt.Errorf("checking for existing users: %w", err)
	}
	if userCount > 0 {
		logger.Info("bootstrap skipped, users already exist")
		return nil
	}

	logger.Info("first run detected, bootstrapping system data")

	for _, perm := range systemPermissions {
		_, err := pool.Exec(ctx, `
			INSERT INTO permissions (id, name, resource, action, description)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (name) DO NOTHING`,
			uuid.New(), string(perm.name), perm.resource, perm.action, perm.description)
		if err != nil {
			return fmt.Errorf("seeding permission %q: %w", perm.name, err)
		}
	}
	logger.Info("permissions seeded", "count", len(systemPermissions))

	for _, role := range systemRoles {
		_, err := pool.Exec(ctx, `
			INSERT INTO roles (id, name, description, is_system)
			VALUES ($1, $2, $3, true)
			ON CONFLICT (name) DO NOTHING`,
			uuid.New(), role.name, role.description)
		if err != nil {
			return fmt.Errorf("seeding role %q: %w", role.name, err)
		}

		perms := role.permissions
		if role.name == "admin" {
			perms = rbac.AllPermissions
		}
		for _, perm := range perms {
			_, err := pool.Exec(ctx, `
				INSERT INTO role_permissions (role_id, permission_id)
				SELECT r.id, p.id FROM roles r, permissions p
				WHERE r.name = $1 AND p.name = $2
				ON CONFLICT DO NOTHING`,
				role.name, string(perm))
			if err != nil {
				return fmt.Errorf("wiring role permission %s/%s: %w", role.name, perm, err)
			}
		}
	}
	logger.Info("roles seeded", "count", len(systemRoles))

	password := adminPassword
	if password == "" {
		password = "admin"
		logger.Warn("no admin password configured, using the default (set LOOM_ADMIN_PASSWORD)")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing admin password: %w", err)
	}

	adminID := uuid.New()
	_, err = pool.Exec(ctx, `
		INSERT INTO users (id, name, display_name, email, password_hash, is_active)
		VALUES ($1, 'admin', 'Administrator', 'admin@localhost', $2, true)`,
		adminID, hash)
	if err != nil {
		return fmt.Errorf("creating admin user: %w", err)
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO user_roles (id, user_id, role_id)
		SELECT $1, $2, r.id FROM roles r WHERE r.name = 'admin'`,
		uuid.New(), adminID)
	if err != nil {
		return fmt.Errorf("assigning admin role: %w", err)
	}

	logger.Info("admin user created", "user_id", adminID)
	return nil
}
