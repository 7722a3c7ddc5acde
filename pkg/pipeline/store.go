package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fernworks/loom/internal/db"
)

// Pipeline status values.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusCancelled = "cancelled"
	StatusSkipped   = "skipped"
)

// Trigger types.
const (
	TriggerPush = "push"
	TriggerMR   = "mr"
	TriggerAPI  = "api"
)

// Store provides database operations for pipelines and steps.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a pipeline Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// Row represents a row from the pipelines table.
type Row struct {
	ID          uuid.UUID
	ProjectID   uuid.UUID
	Trigger     string
	GitRef      string
	CommitSHA   *string
	Status      string
	TriggeredBy uuid.UUID
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

const pipelineColumns = `id, project_id, trigger, git_ref, commit_sha, status, triggered_by,
	created_at, started_at, finished_at`

func scanPipeline(row pgx.Row) (Row, error) {
	var p Row
	err := row.Scan(
		&p.ID, &p.ProjectID, &p.Trigger, &p.GitRef, &p.CommitSHA, &p.Status,
		&p.TriggeredBy, &p.CreatedAt, &p.StartedAt, &p.FinishedAt,
	)
	return p, err
}

// StepRow represents a row from the pipeline_steps table.
type StepRow struct {
	ID         uuid.UUID
	PipelineID uuid.UUID
	ProjectID  uuid.UUID
	StepOrder  int32
	Name       string
	Image      string
	Commands   []string
	Status     string
	ExitCode   *int32
	DurationMS *int64
	LogRef     *string
}

const stepColumns = `id, pipeline_id, project_id, step_order, name, image, commands,
	status, exit_code, duration_ms, log_ref`

// CreateWithSteps inserts a pipeline row and its step rows in one
// transaction, committing atomically.
func CreateWithSteps(ctx context.Context, pool *pgxpool.Pool, projectID uuid.UUID, gitRef string, commitSHA *string, triggeredBy uuid.UUID, trigger string, def *Definition) (uuid.UUID, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	pipelineID := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO pipelines (id, project_id, trigger, git_ref, commit_sha, status, triggered_by)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)`,
		pipelineID, projectID, trigger, gitRef, commitSHA, triggeredBy)
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting pipeline: %w", err)
	}

	for i, step := range def.Steps {
		_, err = tx.Exec(ctx, `
			INSERT INTO pipeline_steps (id, pipeline_id, project_id, step_order, name, image, commands)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New(), pipelineID, projectID, int32(i), step.Name, step.Image, step.Commands)
		if err != nil {
			return uuid.Nil, fmt.Errorf("inserting step %q: %w", step.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("committing pipeline: %w", err)
	}
	return pipelineID, nil
}

// PendingIDs returns up to limit pending pipeline ids, oldest first.
func (s *Store) PendingIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT id FROM pipelines WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending pipelines: %w", err)
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

// Claim conditionally transitions pending → running; only one claimant
// succeeds. Returns the project id, or pgx.ErrNoRows when already claimed.
func (s *Store) Claim(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	var projectID uuid.UUID
	err := s.dbtx.QueryRow(ctx, `
		UPDATE pipelines SET status = 'running', started_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING project_id`, id).Scan(&projectID)
	return projectID, err
}

// Meta carries pipeline execution context from the pipelines⋈projects join.
type Meta struct {
	GitRef      string
	CommitSHA   *string
	ProjectName string
	RepoPath    string
}

// GetMeta loads the execution context for a claimed pipeline.
func (s *Store) GetMeta(ctx context.Context, id uuid.UUID) (Meta, error) {
	var m Meta
	err := s.dbtx.QueryRow(ctx, `
		SELECT pl.git_ref, pl.commit_sha, p.name, p.repo_path
		FROM pipelines pl
		JOIN projects p ON p.id = pl.project_id
		WHERE pl.id = $1`, id).
		Scan(&m.GitRef, &m.CommitSHA, &m.ProjectName, &m.RepoPath)
	return m, err
}

// Steps returns the pipeline's steps ordered by step_order.
func (s *Store) Steps(ctx context.Context, pipelineID uuid.UUID) ([]StepRow, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT `+stepColumns+` FROM pipeline_steps
		WHERE pipeline_id = $1 ORDER BY step_order ASC`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}
	defer rows.Close()

	var items []StepRow
	for rows.Next() {
		var st StepRow
		if err := rows.Scan(
			&st.ID, &st.PipelineID, &st.ProjectID, &st.StepOrder, &st.Name, &st.Image,
			&st.Commands, &st.Status, &st.ExitCode, &st.DurationMS, &st.LogRef,
		); err != nil {
			return nil, fmt.Errorf("scanning step row: %w", err)
		}
		items = append(items, st)
	}
	return items, rows.Err()
}

// MarkStepRunning transitions a step to running.
func (s *Store) MarkStepRunning(ctx context.Context, stepID uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE pipeline_steps SET status = 'running' WHERE id = $1`, stepID)
	return err
}

// FinishStep records the step outcome.
func (s *Store) FinishStep(ctx context.Context, stepID uuid.UUID, status string, exitCode *int32, durationMS int64, logRef *string) error {
	_, err := s.dbtx.Exec(ctx, `
		UPDATE pipeline_steps SET status = $2, exit_code = $3, duration_ms = $4, log_ref = $5
		WHERE id = $1`, stepID, status, exitCode, durationMS, logRef)
	return err
}

// SkipPendingSteps marks all pending steps of the pipeline skipped.
func (s *Store) SkipPendingSteps(ctx context.Context, pipelineID uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `
		UPDATE pipeline_steps SET status = 'skipped'
		WHERE pipeline_id = $1 AND status = 'pending'`, pipelineID)
	return err
}

// SkipStepsAfter marks pending steps after the given order skipped.
func (s *Store) SkipStepsAfter(ctx context.Context, pipelineID uuid.UUID, afterOrder int32) error {
	_, err := s.dbtx.Exec(ctx, `
		UPDATE pipeline_steps SET status = 'skipped'
		WHERE pipeline_id = $1 AND step_order > $2 AND status = 'pending'`, pipelineID, afterOrder)
	return err
}

// Status returns the pipeline's current status.
func (s *Store) Status(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := s.dbtx.QueryRow(ctx, `SELECT status FROM pipelines WHERE id = $1`, id).Scan(&status)
	return status, err
}

// Finish records the pipeline's terminal status and finished_at. The
// conditional update never overwrites a status that is already terminal
// (a concurrent Cancel wins).
func (s *Store) Finish(ctx context.Context, id uuid.UUID, status string) error {
	_, err := s.dbtx.Exec(ctx, `
		UPDATE pipelines SET status = $2, finished_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')`, id, status)
	return err
}

// MarkFailed transitions a non-terminal pipeline to failure and skips its
// pending steps. Used by the executor's error branch.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `
		UPDATE pipelines SET status = 'failure', finished_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')`, id)
	if err != nil {
		return err
	}
	return s.SkipPendingSteps(ctx, id)
}

// Cancel conditionally transitions a non-terminal pipeline to cancelled.
// Cancelling an already-terminal pipeline is a no-op.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE pipelines SET status = 'cancelled', finished_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Get returns a pipeline by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Row, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id)
	return scanPipeline(row)
}

// ListForProject returns the project's pipelines, newest first, with the
// total count.
func (s *Store) ListForProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]Row, int64, error) {
	var total int64
	if err := s.dbtx.QueryRow(ctx, `SELECT COUNT(*) FROM pipelines WHERE project_id = $1`, projectID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting pipelines: %w", err)
	}

	rows, err := s.dbtx.Query(ctx, `
		SELECT `+pipelineColumns+` FROM pipelines
		WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		projectID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing pipelines: %w", err)
	}
	defer rows.Close()

	var items []Row
	for rows.Next() {
		var p Row
		if err := rows.Scan(
			&p.ID, &p.ProjectID, &p.Trigger, &p.GitRef, &p.CommitSHA, &p.Status,
			&p.TriggeredBy, &p.CreatedAt, &p.StartedAt, &p.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scanning pipeline row: %w", err)
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// SuccessfulBuilderSteps returns succeeded steps whose image looks like an
// image builder. The substring policy is the extension point for other
// builder tools.
func (s *Store) SuccessfulBuilderSteps(ctx context.Context, pipelineID uuid.UUID) ([]StepRow, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT `+stepColumns+` FROM pipeline_steps
		WHERE pipeline_id = $1 AND status = 'success' AND image ILIKE '%kaniko%'`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("listing builder steps: %w", err)
	}
	defer rows.Close()

	var items []StepRow
	for rows.Next() {
		var st StepRow
		if err := rows.Scan(
			&st.ID, &st.PipelineID, &st.ProjectID, &st.StepOrder, &st.Name, &st.Image,
			&st.Commands, &st.Status, &st.ExitCode, &st.DurationMS, &st.LogRef,
		); err != nil {
			return nil, err
		}
		items = append(items, st)
	}
	return items, rows.Err()
}
