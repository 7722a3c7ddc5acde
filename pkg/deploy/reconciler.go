package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fernworks/loom/internal/telemetry"
)

const (
	reconcileInterval = 10 * time.Second
	reconcileBatch    = 5
	healthTimeout     = 5 * time.Minute
)

// EventSink fires webhooks and notifications at deploy transition points.
type EventSink interface {
	Fire(ctx context.Context, projectID uuid.UUID, event string, payload map[string]any)
}

// Reconciler drives desired vs current state for deployments.
type Reconciler struct {
	store    *Store
	syncer   *OpsRepoSyncer
	applier  *Applier
	events   EventSink
	logger   *slog.Logger
	reposDir string

	namespace string
}

// NewReconciler creates a deployment reconciler.
func NewReconciler(pool *pgxpool.Pool, rdb *redis.Client, applier *Applier, events EventSink, opsReposDir, namespace string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:     NewStore(pool),
		syncer:    NewOpsRepoSyncer(pool, rdb, opsReposDir),
		applier:   applier,
		events:    events,
		logger:    logger,
		reposDir:  opsReposDir,
		namespace: namespace,
	}
}

// Store exposes the deployment store for the HTTP handler.
func (r *Reconciler) Store() *Store { return r.store }

// Syncer exposes the ops repo syncer for the HTTP handler's force-sync.
func (r *Reconciler) Syncer() *OpsRepoSyncer { return r.syncer }

// Run is the reconciler's background loop; it blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("deployment reconciler started", "interval", reconcileInterval)

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("deployment reconciler stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	pending, err := r.store.PendingReconciles(ctx, reconcileBatch)
	if err != nil {
		r.logger.Error("listing pending deployments", "error", err)
		return
	}

	for _, d := range pending {
		go func() {
			if err := r.ReconcileOne(ctx, d); err != nil {
				r.logger.Error("reconciliation failed", "deployment_id", d.ID, "error", err)
				r.store.MarkFailed(ctx, d.ID, d.DeployedBy, err.Error())
				telemetry.DeploymentsReconciledTotal.WithLabelValues(d.DesiredStatus, OutcomeFailure).Inc()
			}
		}()
	}
}

// ReconcileOne claims and reconciles a single deployment. A failed claim
// means another worker owns it.
func (r *Reconciler) ReconcileOne(ctx context.Context, d Row) error {
	claimed, err := r.store.Claim(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("claiming deployment: %w", err)
	}
	if !claimed {
		r.logger.Debug("deployment already being reconciled", "deployment_id", d.ID)
		return nil
	}

	switch d.DesiredStatus {
	case DesiredActive:
		return r.handleActive(ctx, d)
	case DesiredRollback:
		return r.handleRollback(ctx, d)
	case DesiredStopped:
		return r.handleStopped(ctx, d)
	default:
		r.logger.Warn("unknown desired_status", "deployment_id", d.ID, "desired", d.DesiredStatus)
		return nil
	}
}

// handleActive renders manifests, applies them, and waits for health.
func (r *Reconciler) handleActive(ctx context.Context, d Row) error {
	sha, err := r.applyRendered(ctx, d)
	if err != nil {
		return err
	}

	if err := r.store.FinalizeSuccess(ctx, d, sha, ActionDeploy); err != nil {
		return err
	}
	telemetry.DeploymentsReconciledTotal.WithLabelValues(ActionDeploy, OutcomeSuccess).Inc()
	r.fire(ctx, d, "deployed")
	r.logger.Info("deployment reconciled", "deployment_id", d.ID, "image", d.ImageRef)
	return nil
}

// handleRollback redeploys the previous successful image, then resets
// desired_status to active.
func (r *Reconciler) handleRollback(ctx context.Context, d Row) error {
	prev, err := r.store.PreviousSuccessImage(ctx, d.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("no previous deployment")
		}
		return fmt.Errorf("finding previous deployment: %w", err)
	}

	if err := r.store.SetImageRef(ctx, d.ID, prev); err != nil {
		return fmt.Errorf("setting rollback image: %w", err)
	}
	d.ImageRef = prev

	sha, err := r.applyRendered(ctx, d)
	if err != nil {
		return err
	}

	if err := r.store.SetDesired(ctx, d.ID, DesiredActive); err != nil {
		return fmt.Errorf("resetting desired status: %w", err)
	}
	if err := r.store.FinalizeSuccess(ctx, d, sha, ActionRollback); err != nil {
		return err
	}
	telemetry.DeploymentsReconciledTotal.WithLabelValues(ActionRollback, OutcomeSuccess).Inc()
	r.fire(ctx, d, "rolled_back")
	r.logger.Info("deployment rolled back", "deployment_id", d.ID, "image", prev)
	return nil
}

// handleStopped scales the workload to zero replicas. The deployment
// converges to healthy with a stop history row, so the next cycle leaves it
// alone.
func (r *Reconciler) handleStopped(ctx context.Context, d Row) error {
	name := fmt.Sprintf("%s-%s", d.ProjectName, d.Environment)
	if err := r.applier.Scale(ctx, r.namespace, name, 0); err != nil {
		return err
	}

	if err := r.store.FinalizeSuccess(ctx, d, nil, ActionStop); err != nil {
		return err
	}
	telemetry.DeploymentsReconciledTotal.WithLabelValues(ActionStop, OutcomeSuccess).Inc()
	r.fire(ctx, d, "stopped")
	r.logger.Info("deployment stopped", "deployment_id", d.ID)
	return nil
}

// applyRendered renders the deployment's manifests, applies them, and waits
// for the long-lived workload (if any) to become healthy. Returns the ops
// repo SHA used, when one is bound.
func (r *Reconciler) applyRendered(ctx context.Context, d Row) (*string, error) {
	rendered, sha, err := r.renderManifests(ctx, d)
	if err != nil {
		return nil, err
	}

	applied, err := r.applier.Apply(ctx, rendered, r.namespace)
	if err != nil {
		return nil, err
	}

	if name, ok := FindDeploymentName(applied); ok {
		if err := r.applier.WaitHealthy(ctx, r.namespace, name, healthTimeout); err != nil {
			return nil, err
		}
	}
	return sha, nil
}

// renderManifests produces the manifest set: templated from the bound ops
// repo, or a generated minimal manifest when none is bound.
func (r *Reconciler) renderManifests(ctx context.Context, d Row) (string, *string, error) {
	if d.OpsRepoID == nil {
		return GenerateBasicManifest(d.ProjectName, d.Environment, d.ImageRef), nil, nil
	}

	sha, err := r.syncer.Sync(ctx, *d.OpsRepoID)
	if err != nil {
		return "", nil, err
	}

	repo, err := r.syncer.store.Get(ctx, *d.OpsRepoID)
	if err != nil {
		return "", nil, fmt.Errorf("loading ops repo: %w", err)
	}

	manifestFile := "deploy.yaml"
	if d.ManifestPath != nil && *d.ManifestPath != "" {
		manifestFile = *d.ManifestPath
	}

	templatePath, err := ResolveManifestPath(r.reposDir, repo.Name, repo.Path, manifestFile)
	if err != nil {
		return "", nil, err
	}

	templateContent, err := os.ReadFile(templatePath)
	if err != nil {
		return "", nil, fmt.Errorf("reading manifest template %s: %w", templatePath, err)
	}

	rendered, err := Render(string(templateContent), RenderVars{
		ImageRef:    d.ImageRef,
		ProjectName: d.ProjectName,
		Environment: d.Environment,
		Values:      d.ValuesOverride,
	})
	if err != nil {
		return "", nil, err
	}
	return rendered, &sha, nil
}

func (r *Reconciler) fire(ctx context.Context, d Row, action string) {
	if r.events == nil {
		return
	}
	r.events.Fire(ctx, d.ProjectID, "deploy", map[string]any{
		"action":      action,
		"project_id":  d.ProjectID,
		"environment": d.Environment,
		"image_ref":   d.ImageRef,
	})
}
