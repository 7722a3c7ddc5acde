package secret

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fernworks/loom/internal/db"
)

// Scopes restrict which subsystem may read a secret's value.
const (
	ScopePipeline = "pipeline"
	ScopeAgent    = "agent"
	ScopeDeploy   = "deploy"
	ScopeAll      = "all"
)

// Store provides database operations for secrets.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a secret Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// Row represents a row from the secrets table. Ciphertext never appears in
// API responses.
type Row struct {
	ID         uuid.UUID
	ProjectID  *uuid.UUID
	Name       string
	Ciphertext []byte
	Scope      string
	CreatedBy  uuid.UUID
	CreatedAt  time.Time
}

// Upsert inserts or replaces a secret keyed by (project, name).
func (s *Store) Upsert(ctx context.Context, projectID *uuid.UUID, name string, ciphertext []byte, scope string, createdBy uuid.UUID) (Row, error) {
	var r Row
	err := s.dbtx.QueryRow(ctx, `
		INSERT INTO secrets (id, project_id, name, ciphertext, scope, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, name) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			scope = EXCLUDED.scope,
			created_by = EXCLUDED.created_by
		RETURNING id, project_id, name, ciphertext, scope, created_by, created_at`,
		uuid.New(), projectID, name, ciphertext, scope, createdBy).
		Scan(&r.ID, &r.ProjectID, &r.Name, &r.Ciphertext, &r.Scope, &r.CreatedBy, &r.CreatedAt)
	return r, err
}

// Get returns a secret by (project, name). A nil projectID addresses the
// global scope.
func (s *Store) Get(ctx context.Context, projectID *uuid.UUID, name string) (Row, error) {
	var r Row
	err := s.dbtx.QueryRow(ctx, `
		SELECT id, project_id, name, ciphertext, scope, created_by, created_at
		FROM secrets WHERE project_id IS NOT DISTINCT FROM $1 AND name = $2`,
		projectID, name).
		Scan(&r.ID, &r.ProjectID, &r.Name, &r.Ciphertext, &r.Scope, &r.CreatedBy, &r.CreatedAt)
	return r, err
}

// List returns secret metadata for a project scope (nil for global).
func (s *Store) List(ctx context.Context, projectID *uuid.UUID) ([]Row, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT id, project_id, name, ''::bytea, scope, created_by, created_at
		FROM secrets WHERE project_id IS NOT DISTINCT FROM $1 ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}
	defer rows.Close()

	var items []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Name, &r.Ciphertext, &r.Scope, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning secret row: %w", err)
		}
		r.Ciphertext = nil
		items = append(items, r)
	}
	return items, rows.Err()
}

// ListForScope returns decryptable rows for a subsystem scope, including
// global secrets. No pod builder calls it: pipeline and agent pods are
// created without secret values.
func (s *Store) ListForScope(ctx context.Context, projectID uuid.UUID, scope string) ([]Row, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT id, project_id, name, ciphertext, scope, created_by, created_at
		FROM secrets
		WHERE (project_id = $1 OR project_id IS NULL) AND scope IN ($2, 'all')
		ORDER BY name`, projectID, scope)
	if err != nil {
		return nil, fmt.Errorf("listing scoped secrets: %w", err)
	}
	defer rows.Close()

	var items []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Name, &r.Ciphertext, &r.Scope, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning secret row: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// Delete removes a secret by (project, name).
func (s *Store) Delete(ctx context.Context, projectID *uuid.UUID, name string) error {
	tag, err := s.dbtx.Exec(ctx, `
		DELETE FROM secrets WHERE project_id IS NOT DISTINCT FROM $1 AND name = $2`,
		projectID, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
