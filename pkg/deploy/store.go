package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fernworks/loom/internal/db"
)

// Desired status values.
const (
	DesiredActive   = "active"
	DesiredStopped  = "stopped"
	DesiredRollback = "rollback"
)

// Current status values.
const (
	CurrentPending = "pending"
	CurrentSyncing = "syncing"
	CurrentHealthy = "healthy"
	CurrentFailed  = "failed"
	CurrentStopped = "stopped"
)

// Environments.
const (
	EnvPreview    = "preview"
	EnvStaging    = "staging"
	EnvProduction = "production"
)

// History actions and outcomes.
const (
	ActionDeploy   = "deploy"
	ActionRollback = "rollback"
	ActionStop     = "stop"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Store provides database operations for deployments and their history.
// Previews and ops repos have their own stores.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a deploy Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// Row represents a row from the deployments table joined with the project
// name.
type Row struct {
	ID             uuid.UUID
	ProjectID      uuid.UUID
	ProjectName    string
	Environment    string
	OpsRepoID      *uuid.UUID
	ManifestPath   *string
	ImageRef       string
	ValuesOverride map[string]any
	DesiredStatus  string
	CurrentStatus  string
	CurrentSHA     *string
	DeployedBy     *uuid.UUID
	DeployedAt     *time.Time
	CreatedAt      time.Time
}

const deploymentColumns = `d.id, d.project_id, p.name, d.environment, d.ops_repo_id, d.manifest_path,
	d.image_ref, d.values_override, d.desired_status, d.current_status, d.current_sha,
	d.deployed_by, d.deployed_at, d.created_at`

func scanDeployment(row pgx.Row) (Row, error) {
	var d Row
	var valuesRaw []byte
	err := row.Scan(
		&d.ID, &d.ProjectID, &d.ProjectName, &d.Environment, &d.OpsRepoID, &d.ManifestPath,
		&d.ImageRef, &valuesRaw, &d.DesiredStatus, &d.CurrentStatus, &d.CurrentSHA,
		&d.DeployedBy, &d.DeployedAt, &d.CreatedAt,
	)
	if err != nil {
		return d, err
	}
	if len(valuesRaw) > 0 {
		_ = json.Unmarshal(valuesRaw, &d.ValuesOverride)
	}
	return d, nil
}

// PendingReconciles selects deployments whose desired and observed states
// diverge, per the reconciliation conditions.
func (s *Store) PendingReconciles(ctx context.Context, limit int) ([]Row, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT `+deploymentColumns+`
		FROM deployments d
		JOIN projects p ON p.id = d.project_id AND p.is_active = true
		WHERE (d.desired_status = 'active' AND d.current_status IN ('pending', 'failed'))
		   OR (d.desired_status = 'rollback' AND d.current_status != 'syncing')
		   OR (d.desired_status = 'stopped' AND d.current_status NOT IN ('healthy', 'syncing'))
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending reconciles: %w", err)
	}
	defer rows.Close()

	return collectDeployments(rows)
}

func collectDeployments(rows pgx.Rows) ([]Row, error) {
	var items []Row
	for rows.Next() {
		var d Row
		var valuesRaw []byte
		if err := rows.Scan(
			&d.ID, &d.ProjectID, &d.ProjectName, &d.Environment, &d.OpsRepoID, &d.ManifestPath,
			&d.ImageRef, &valuesRaw, &d.DesiredStatus, &d.CurrentStatus, &d.CurrentSHA,
			&d.DeployedBy, &d.DeployedAt, &d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning deployment row: %w", err)
		}
		if len(valuesRaw) > 0 {
			_ = json.Unmarshal(valuesRaw, &d.ValuesOverride)
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

// Claim conditionally transitions current_status to syncing; only one
// worker reconciles a deployment at a time. Returns false when another
// worker holds the claim.
func (s *Store) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE deployments SET current_status = 'syncing'
		WHERE id = $1 AND current_status != 'syncing'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Get returns a deployment by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Row, error) {
	row := s.dbtx.QueryRow(ctx, `
		SELECT `+deploymentColumns+`
		FROM deployments d JOIN projects p ON p.id = d.project_id
		WHERE d.id = $1`, id)
	return scanDeployment(row)
}

// ListForProject returns the project's deployments.
func (s *Store) ListForProject(ctx context.Context, projectID uuid.UUID) ([]Row, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT `+deploymentColumns+`
		FROM deployments d JOIN projects p ON p.id = d.project_id
		WHERE d.project_id = $1 ORDER BY d.environment`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// UpdateParams patches deployment intent fields.
type UpdateParams struct {
	ImageRef       *string
	ValuesOverride map[string]any
	OpsRepoID      *uuid.UUID
	ManifestPath   *string
	DesiredStatus  *string
}

// Update patches a deployment and resets current_status to pending so the
// reconciler picks it up.
func (s *Store) Update(ctx context.Context, id uuid.UUID, p UpdateParams) (Row, error) {
	var valuesRaw []byte
	if p.ValuesOverride != nil {
		valuesRaw, _ = json.Marshal(p.ValuesOverride)
	}
	row := s.dbtx.QueryRow(ctx, `
		WITH upd AS (
			UPDATE deployments SET
				image_ref = COALESCE($2, image_ref),
				values_override = COALESCE($3, values_override),
				ops_repo_id = COALESCE($4, ops_repo_id),
				manifest_path = COALESCE($5, manifest_path),
				desired_status = COALESCE($6, desired_status),
				current_status = 'pending'
			WHERE id = $1
			RETURNING *
		)
		SELECT `+deploymentColumns+` FROM upd d JOIN projects p ON p.id = d.project_id`,
		id, p.ImageRef, valuesRaw, p.OpsRepoID, p.ManifestPath, p.DesiredStatus)
	return scanDeployment(row)
}

// SetImageRef overwrites the deployment's image (rollback path).
func (s *Store) SetImageRef(ctx context.Context, id uuid.UUID, imageRef string) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE deployments SET image_ref = $2 WHERE id = $1`, id, imageRef)
	return err
}

// SetDesired overwrites desired_status.
func (s *Store) SetDesired(ctx context.Context, id uuid.UUID, desired string) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE deployments SET desired_status = $2 WHERE id = $1`, id, desired)
	return err
}

// RequestRollback flips desired_status to rollback for the reconciler.
func (s *Store) RequestRollback(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE deployments SET desired_status = 'rollback' WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// FinalizeSuccess records a healthy reconcile: status, current_sha,
// deployed_at, and a success history row.
func (s *Store) FinalizeSuccess(ctx context.Context, d Row, sha *string, action string) error {
	_, err := s.dbtx.Exec(ctx, `
		UPDATE deployments
		SET current_status = 'healthy', deployed_at = now(), current_sha = $2
		WHERE id = $1`, d.ID, sha)
	if err != nil {
		return fmt.Errorf("finalizing deployment: %w", err)
	}

	_, err = s.dbtx.Exec(ctx, `
		INSERT INTO deployment_history (id, deployment_id, image_ref, ops_repo_sha, action, status, deployed_by)
		VALUES ($1, $2, $3, $4, $5, 'success', $6)`,
		uuid.New(), d.ID, d.ImageRef, sha, action, d.DeployedBy)
	if err != nil {
		return fmt.Errorf("recording deployment history: %w", err)
	}
	return nil
}

// MarkFailed records a failed reconcile and a failure history row with the
// error message.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, deployedBy *uuid.UUID, message string) {
	_, _ = s.dbtx.Exec(ctx, `UPDATE deployments SET current_status = 'failed' WHERE id = $1`, id)
	_, _ = s.dbtx.Exec(ctx, `
		INSERT INTO deployment_history (id, deployment_id, image_ref, action, status, deployed_by, message)
		VALUES ($1, $2, '', 'deploy', 'failure', $3, $4)`,
		uuid.New(), id, deployedBy, message)
}

// PreviousSuccessImage finds the image of the success-action deploy before
// the current one. Returns pgx.ErrNoRows when there is no previous
// deployment to roll back to.
func (s *Store) PreviousSuccessImage(ctx context.Context, deploymentID uuid.UUID) (string, error) {
	var imageRef string
	err := s.dbtx.QueryRow(ctx, `
		SELECT image_ref FROM deployment_history
		WHERE deployment_id = $1 AND status = 'success' AND action = 'deploy'
		ORDER BY created_at DESC LIMIT 1 OFFSET 1`, deploymentID).Scan(&imageRef)
	return imageRef, err
}

// HistoryRow represents a deployment_history row.
type HistoryRow struct {
	ID           uuid.UUID
	DeploymentID uuid.UUID
	ImageRef     string
	OpsRepoSHA   *string
	Action       string
	Status       string
	DeployedBy   *uuid.UUID
	Message      *string
	CreatedAt    time.Time
}

// History returns the deployment's history rows, newest first.
func (s *Store) History(ctx context.Context, deploymentID uuid.UUID, limit, offset int) ([]HistoryRow, int64, error) {
	var total int64
	if err := s.dbtx.QueryRow(ctx, `SELECT COUNT(*) FROM deployment_history WHERE deployment_id = $1`, deploymentID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.dbtx.Query(ctx, `
		SELECT id, deployment_id, image_ref, ops_repo_sha, action, status, deployed_by, message, created_at
		FROM deployment_history
		WHERE deployment_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		deploymentID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing deployment history: %w", err)
	}
	defer rows.Close()

	var items []HistoryRow
	for rows.Next() {
		var h HistoryRow
		if err := rows.Scan(&h.ID, &h.DeploymentID, &h.ImageRef, &h.OpsRepoSHA, &h.Action, &h.Status, &h.DeployedBy, &h.Message, &h.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning history row: %w", err)
		}
		items = append(items, h)
	}
	return items, total, rows.Err()
}

// UpsertProduction writes the production deployment row for a freshly built
// default-branch image (pipeline handoff).
func (s *Store) UpsertProduction(ctx context.Context, projectID uuid.UUID, imageRef string) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO deployments (id, project_id, environment, image_ref, desired_status, current_status)
		VALUES ($1, $2, 'production', $3, 'active', 'pending')
		ON CONFLICT (project_id, environment)
		DO UPDATE SET image_ref = $3, desired_status = 'active', current_status = 'pending'`,
		uuid.New(), projectID, imageRef)
	return err
}

// ActiveDeploymentsReferencingOpsRepo counts active deployments bound to an
// ops repo; deleting a referenced ops repo is a conflict.
func (s *Store) ActiveDeploymentsReferencingOpsRepo(ctx context.Context, opsRepoID uuid.UUID) (int64, error) {
	var n int64
	err := s.dbtx.QueryRow(ctx, `
		SELECT COUNT(*) FROM deployments d
		JOIN projects p ON p.id = d.project_id AND p.is_active = true
		WHERE d.ops_repo_id = $1`, opsRepoID).Scan(&n)
	return n, err
}
