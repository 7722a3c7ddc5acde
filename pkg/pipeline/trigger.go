package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fernworks/loom/internal/apperr"
)

// wakeupChannel is the pub/sub channel the executor subscribes to for
// immediate pickup of freshly triggered pipelines.
const wakeupChannel = "pipeline:run"

// Trigger reads pipeline definitions at a ref, matches event filters, and
// materializes pipeline + step rows.
type Trigger struct {
	pool   *pgxpool.Pool
	rdb    *redis.Client
	logger *slog.Logger
}

// NewTrigger creates a pipeline trigger.
func NewTrigger(pool *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger) *Trigger {
	return &Trigger{pool: pool, rdb: rdb, logger: logger}
}

// PushParams describes a push event.
type PushParams struct {
	ProjectID uuid.UUID
	UserID    uuid.UUID
	RepoPath  string
	Branch    string
	CommitSHA *string
}

// OnPush handles a push event. Returns the new pipeline id, or uuid.Nil when
// no definition file exists at the ref or the branch filter does not match —
// neither creates a pipeline row.
func (t *Trigger) OnPush(ctx context.Context, p PushParams) (uuid.UUID, error) {
	raw, ok := ReadFileAtRef(ctx, p.RepoPath, p.Branch, DefinitionFileName)
	if !ok {
		return uuid.Nil, nil
	}

	def, err := Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.BadRequest(err.Error())
	}
	if !def.Trigger.MatchesPush(p.Branch) {
		return uuid.Nil, nil
	}

	gitRef := "refs/heads/" + p.Branch
	id, err := CreateWithSteps(ctx, t.pool, p.ProjectID, gitRef, p.CommitSHA, p.UserID, TriggerPush, def)
	if err != nil {
		return uuid.Nil, apperr.Internal(err)
	}

	t.logger.Info("pipeline triggered by push", "pipeline_id", id, "project_id", p.ProjectID, "branch", p.Branch)
	t.notifyExecutor(ctx, id)
	return id, nil
}

// MRParams describes a merge request event.
type MRParams struct {
	ProjectID    uuid.UUID
	UserID       uuid.UUID
	RepoPath     string
	SourceBranch string
	CommitSHA    *string
	Action       string
}

// OnMR handles a merge request event.
func (t *Trigger) OnMR(ctx context.Context, p MRParams) (uuid.UUID, error) {
	raw, ok := ReadFileAtRef(ctx, p.RepoPath, p.SourceBranch, DefinitionFileName)
	if !ok {
		return uuid.Nil, nil
	}

	def, err := Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.BadRequest(err.Error())
	}
	if !def.Trigger.MatchesMR(p.Action) {
		return uuid.Nil, nil
	}

	gitRef := "refs/heads/" + p.SourceBranch
	id, err := CreateWithSteps(ctx, t.pool, p.ProjectID, gitRef, p.CommitSHA, p.UserID, TriggerMR, def)
	if err != nil {
		return uuid.Nil, apperr.Internal(err)
	}

	t.logger.Info("pipeline triggered by MR", "pipeline_id", id, "project_id", p.ProjectID, "action", p.Action)
	t.notifyExecutor(ctx, id)
	return id, nil
}

// OnAPI handles an explicit trigger request for a git ref. Unlike event
// triggers, a missing definition file is an error the caller sees.
func (t *Trigger) OnAPI(ctx context.Context, projectID, userID uuid.UUID, repoPath, gitRef string) (uuid.UUID, error) {
	branch := BranchFromRef(gitRef)

	raw, ok := ReadFileAtRef(ctx, repoPath, branch, DefinitionFileName)
	if !ok {
		return uuid.Nil, apperr.BadRequest(fmt.Sprintf("no %s found at the given ref", DefinitionFileName))
	}

	def, err := Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.BadRequest(err.Error())
	}

	var commitSHA *string
	if sha, ok := RefSHA(ctx, repoPath, gitRef); ok {
		commitSHA = &sha
	}

	id, err := CreateWithSteps(ctx, t.pool, projectID, gitRef, commitSHA, userID, TriggerAPI, def)
	if err != nil {
		return uuid.Nil, apperr.Internal(err)
	}

	t.logger.Info("pipeline triggered via API", "pipeline_id", id, "project_id", projectID, "ref", gitRef)
	t.notifyExecutor(ctx, id)
	return id, nil
}

// notifyExecutor publishes a wakeup so the executor picks the pipeline up
// before its next poll tick. Delivery is best-effort; the poll loop is the
// backstop.
func (t *Trigger) notifyExecutor(ctx context.Context, pipelineID uuid.UUID) {
	if err := t.rdb.Publish(ctx, wakeupChannel, pipelineID.String()).Err(); err != nil {
		t.logger.Warn("notifying executor", "pipeline_id", pipelineID, "error", err)
	}
}
