package project

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fernworks/loom/internal/db"
)

// Store provides database operations for projects.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a project Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const projectColumns = `id, owner_id, name, description, visibility, default_branch, repo_path,
	is_active, next_issue_number, next_mr_number, created_at`

// Row represents a row from the projects table.
type Row struct {
	ID              uuid.UUID
	OwnerID         uuid.UUID
	Name            string
	Description     string
	Visibility      string
	DefaultBranch   string
	RepoPath        string
	IsActive        bool
	NextIssueNumber int64
	NextMRNumber    int64
	CreatedAt       time.Time
}

// ToResponse converts a Row to the API DTO.
func (p *Row) ToResponse() Response {
	return Response{
		ID:            p.ID,
		OwnerID:       p.OwnerID,
		Name:          p.Name,
		Description:   p.Description,
		Visibility:    p.Visibility,
		DefaultBranch: p.DefaultBranch,
		RepoPath:      p.RepoPath,
		IsActive:      p.IsActive,
		CreatedAt:     p.CreatedAt,
	}
}

func scanRow(row pgx.Row) (Row, error) {
	var p Row
	err := row.Scan(
		&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Visibility, &p.DefaultBranch,
		&p.RepoPath, &p.IsActive, &p.NextIssueNumber, &p.NextMRNumber, &p.CreatedAt,
	)
	return p, err
}

// Get returns an active project by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Row, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1 AND is_active = true`, id)
	return scanRow(row)
}

// GetByName returns an active project by unique name.
func (s *Store) GetByName(ctx context.Context, name string) (Row, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE name = $1 AND is_active = true`, name)
	return scanRow(row)
}

// ListVisible returns active projects readable by the user: own projects,
// internal and public projects, and private projects where the user holds a
// project-scoped role or delegation.
func (s *Store) ListVisible(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Row, int64, error) {
	const visibleWhere = `
		is_active = true AND (
			owner_id = $1
			OR visibility IN ('internal', 'public')
			OR id IN (SELECT project_id FROM user_roles WHERE user_id = $1 AND project_id IS NOT NULL)
			OR id IN (
				SELECT project_id FROM delegations
				WHERE delegate_id = $1 AND project_id IS NOT NULL AND revoked_at IS NULL
				  AND (expires_at IS NULL OR expires_at > now())
			)
		)`

	var total int64
	if err := s.dbtx.QueryRow(ctx, `SELECT COUNT(*) FROM projects WHERE `+visibleWhere, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting projects: %w", err)
	}

	rows, err := s.dbtx.Query(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE `+visibleWhere+`
		ORDER BY name LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	var items []Row
	for rows.Next() {
		var p Row
		if err := rows.Scan(
			&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Visibility, &p.DefaultBranch,
			&p.RepoPath, &p.IsActive, &p.NextIssueNumber, &p.NextMRNumber, &p.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scanning project row: %w", err)
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// CreateParams holds parameters for inserting a project.
type CreateParams struct {
	OwnerID       uuid.UUID
	Name          string
	Description   string
	Visibility    string
	DefaultBranch string
	RepoPath      string
}

// Create inserts a new active project.
func (s *Store) Create(ctx context.Context, p CreateParams) (Row, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO projects (id, owner_id, name, description, visibility, default_branch, repo_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+projectColumns,
		uuid.New(), p.OwnerID, p.Name, p.Description, p.Visibility, p.DefaultBranch, p.RepoPath)
	return scanRow(row)
}

// UpdateParams holds optional fields for patching a project.
type UpdateParams struct {
	Description   *string
	Visibility    *string
	DefaultBranch *string
}

// Update patches the non-nil fields of a project.
func (s *Store) Update(ctx context.Context, id uuid.UUID, p UpdateParams) (Row, error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE projects SET
			description = COALESCE($2, description),
			visibility = COALESCE($3, visibility),
			default_branch = COALESCE($4, default_branch)
		WHERE id = $1 AND is_active = true
		RETURNING `+projectColumns,
		id, p.Description, p.Visibility, p.DefaultBranch)
	return scanRow(row)
}

// SoftDelete marks a project inactive.
func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE projects SET is_active = false WHERE id = $1 AND is_active = true`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// NextIssueNumber atomically claims the next issue number for the project.
func (s *Store) NextIssueNumber(ctx context.Context, id uuid.UUID) (int64, error) {
	var n int64
	err := s.dbtx.QueryRow(ctx, `
		UPDATE projects SET next_issue_number = next_issue_number + 1
		WHERE id = $1 AND is_active = true
		RETURNING next_issue_number - 1`, id).Scan(&n)
	return n, err
}

// NextMRNumber atomically claims the next merge request number.
func (s *Store) NextMRNumber(ctx context.Context, id uuid.UUID) (int64, error) {
	var n int64
	err := s.dbtx.QueryRow(ctx, `
		UPDATE projects SET next_mr_number = next_mr_number + 1
		WHERE id = $1 AND is_active = true
		RETURNING next_mr_number - 1`, id).Scan(&n)
	return n, err
}
