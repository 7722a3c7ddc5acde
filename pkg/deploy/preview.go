package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	applyappsv1 "k8s.io/client-go/applyconfigurations/apps/v1"
	applycorev1 "k8s.io/client-go/applyconfigurations/core/v1"
	applymetav1 "k8s.io/client-go/applyconfigurations/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/fernworks/loom/internal/db"
	"github.com/fernworks/loom/internal/telemetry"
	"github.com/fernworks/loom/pkg/project"
)

const (
	previewInterval = 15 * time.Second
	previewBatch    = 5

	// DefaultPreviewTTLHours bounds the lifetime of a branch preview.
	DefaultPreviewTTLHours = 24
)

// PreviewRow represents a row from the preview_deployments table joined
// with the project name.
type PreviewRow struct {
	ID            uuid.UUID
	ProjectID     uuid.UUID
	ProjectName   string
	Branch        string
	BranchSlug    string
	ImageRef      string
	PipelineID    *uuid.UUID
	DesiredStatus string
	CurrentStatus string
	TTLHours      int32
	ExpiresAt     time.Time
	CreatedBy     *uuid.UUID
	CreatedAt     time.Time
}

// PreviewStore provides database operations for preview deployments.
type PreviewStore struct {
	dbtx db.DBTX
}

// NewPreviewStore creates a preview store.
func NewPreviewStore(dbtx db.DBTX) *PreviewStore {
	return &PreviewStore{dbtx: dbtx}
}

const previewColumns = `pd.id, pd.project_id, p.name, pd.branch, pd.branch_slug, pd.image_ref,
	pd.pipeline_id, pd.desired_status, pd.current_status, pd.ttl_hours, pd.expires_at,
	pd.created_by, pd.created_at`

func (s *PreviewStore) collect(ctx context.Context, query string, args ...any) ([]PreviewRow, error) {
	rows, err := s.dbtx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []PreviewRow
	for rows.Next() {
		var pr PreviewRow
		if err := rows.Scan(
			&pr.ID, &pr.ProjectID, &pr.ProjectName, &pr.Branch, &pr.BranchSlug, &pr.ImageRef,
			&pr.PipelineID, &pr.DesiredStatus, &pr.CurrentStatus, &pr.TTLHours, &pr.ExpiresAt,
			&pr.CreatedBy, &pr.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning preview row: %w", err)
		}
		items = append(items, pr)
	}
	return items, rows.Err()
}

// Upsert writes the preview row for a branch, extending its expiry by the
// row's TTL. Called from the pipeline's image handoff.
func (s *PreviewStore) Upsert(ctx context.Context, projectID, pipelineID uuid.UUID, branch, branchSlug, imageRef string, createdBy uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO preview_deployments
			(id, project_id, branch, branch_slug, image_ref, pipeline_id, ttl_hours, expires_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now() + ($7 || ' hours')::interval, $8)
		ON CONFLICT (project_id, branch_slug) DO UPDATE SET
			image_ref = EXCLUDED.image_ref,
			pipeline_id = EXCLUDED.pipeline_id,
			desired_status = 'active',
			current_status = 'pending',
			expires_at = now() + (preview_deployments.ttl_hours || ' hours')::interval,
			updated_at = now()`,
		uuid.New(), projectID, branch, branchSlug, imageRef, pipelineID, DefaultPreviewTTLHours, createdBy)
	return err
}

// PendingReconciles selects previews whose desired state is active and
// whose observed state is pending or syncing. Failed previews are not
// selected.
func (s *PreviewStore) PendingReconciles(ctx context.Context, limit int) ([]PreviewRow, error) {
	return s.collect(ctx, `
		SELECT `+previewColumns+`
		FROM preview_deployments pd
		JOIN projects p ON p.id = pd.project_id AND p.is_active = true
		WHERE pd.desired_status = 'active' AND pd.current_status IN ('pending', 'syncing')
		LIMIT $1`, limit)
}

// Expired selects active previews past their expiry.
func (s *PreviewStore) Expired(ctx context.Context) ([]PreviewRow, error) {
	return s.collect(ctx, `
		SELECT `+previewColumns+`
		FROM preview_deployments pd
		JOIN projects p ON p.id = pd.project_id
		WHERE pd.desired_status = 'active' AND pd.expires_at < now()`)
}

// ListForProject returns the project's previews.
func (s *PreviewStore) ListForProject(ctx context.Context, projectID uuid.UUID) ([]PreviewRow, error) {
	return s.collect(ctx, `
		SELECT `+previewColumns+`
		FROM preview_deployments pd
		JOIN projects p ON p.id = pd.project_id
		WHERE pd.project_id = $1 ORDER BY pd.created_at DESC`, projectID)
}

// SetStatus updates the preview's observed status.
func (s *PreviewStore) SetStatus(ctx context.Context, id uuid.UUID, current string) error {
	_, err := s.dbtx.Exec(ctx, `
		UPDATE preview_deployments SET current_status = $2, updated_at = now() WHERE id = $1`, id, current)
	return err
}

// MarkStopped transitions a preview to stopped in both dimensions.
func (s *PreviewStore) MarkStopped(ctx context.Context, id uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `
		UPDATE preview_deployments
		SET desired_status = 'stopped', current_status = 'stopped', updated_at = now()
		WHERE id = $1`, id)
	return err
}

// StopForBranch sets desired_status=stopped by branch slug. Called on MR
// merge.
func (s *PreviewStore) StopForBranch(ctx context.Context, projectID uuid.UUID, branch string) (bool, error) {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE preview_deployments
		SET desired_status = 'stopped', updated_at = now()
		WHERE project_id = $1 AND branch_slug = $2`, projectID, project.Slug(branch))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// PreviewNamespace builds the preview's namespace name, truncated to the
// 63-character DNS label limit and never ending in a dash.
func PreviewNamespace(projectSlug, branchSlug string) string {
	raw := fmt.Sprintf("preview-%s-%s", projectSlug, branchSlug)
	if len(raw) > 63 {
		raw = strings.TrimRight(raw[:63], "-")
	}
	return raw
}

// PreviewReconciler drives per-branch ephemeral environments with TTL
// cleanup.
type PreviewReconciler struct {
	store     *PreviewStore
	clientset kubernetes.Interface
	logger    *slog.Logger
}

// NewPreviewReconciler creates a preview reconciler.
func NewPreviewReconciler(pool *pgxpool.Pool, clientset kubernetes.Interface, logger *slog.Logger) *PreviewReconciler {
	return &PreviewReconciler{store: NewPreviewStore(pool), clientset: clientset, logger: logger}
}

// Store exposes the preview store for handlers and the pipeline handoff.
func (r *PreviewReconciler) Store() *PreviewStore { return r.store }

// Run is the preview reconciler's background loop; each tick reconciles
// pending previews and reaps expired ones.
func (r *PreviewReconciler) Run(ctx context.Context) {
	r.logger.Info("preview reconciler started", "interval", previewInterval)

	ticker := time.NewTicker(previewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("preview reconciler stopped")
			return
		case <-ticker.C:
			r.reconcilePending(ctx)
			r.cleanupExpired(ctx)
		}
	}
}

func (r *PreviewReconciler) reconcilePending(ctx context.Context) {
	pending, err := r.store.PendingReconciles(ctx, previewBatch)
	if err != nil {
		r.logger.Error("listing pending previews", "error", err)
		return
	}

	for _, preview := range pending {
		go r.reconcileOne(ctx, preview)
	}
}

func (r *PreviewReconciler) reconcileOne(ctx context.Context, preview PreviewRow) {
	if err := r.store.SetStatus(ctx, preview.ID, CurrentSyncing); err != nil {
		r.logger.Error("marking preview syncing", "preview_id", preview.ID, "error", err)
		return
	}

	if err := r.applyPreview(ctx, preview); err != nil {
		r.logger.Error("preview deployment failed", "preview_id", preview.ID, "error", err)
		_ = r.store.SetStatus(ctx, preview.ID, CurrentFailed)
		telemetry.PreviewsReconciledTotal.WithLabelValues(OutcomeFailure).Inc()
		return
	}

	if err := r.store.SetStatus(ctx, preview.ID, CurrentHealthy); err != nil {
		r.logger.Error("marking preview healthy", "preview_id", preview.ID, "error", err)
		return
	}
	telemetry.PreviewsReconciledTotal.WithLabelValues(OutcomeSuccess).Inc()
	r.logger.Info("preview deployed", "preview_id", preview.ID, "slug", preview.BranchSlug)
}

// applyPreview ensures the namespace exists, then server-side-applies a
// single-replica deployment and a ClusterIP service.
func (r *PreviewReconciler) applyPreview(ctx context.Context, preview PreviewRow) error {
	ns := PreviewNamespace(project.Slug(preview.ProjectName), preview.BranchSlug)

	if err := r.ensureNamespace(ctx, ns); err != nil {
		return err
	}

	name := "preview-" + preview.BranchSlug
	if err := r.applyDeployment(ctx, ns, name, preview.ImageRef); err != nil {
		return err
	}
	return r.applyService(ctx, ns, name)
}

func (r *PreviewReconciler) ensureNamespace(ctx context.Context, name string) error {
	_, err := r.clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !k8serrors.IsNotFound(err) {
		return fmt.Errorf("checking namespace %s: %w", name, err)
	}

	_, err = r.clientset.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: name},
	}, metav1.CreateOptions{})
	if err != nil && !k8serrors.IsAlreadyExists(err) {
		return fmt.Errorf("creating namespace %s: %w", name, err)
	}
	return nil
}

func (r *PreviewReconciler) applyDeployment(ctx context.Context, namespace, name, imageRef string) error {
	replicas := int32(1)
	labels := map[string]string{"app": name}

	cfg := applyappsv1.Deployment(name, namespace).
		WithLabels(labels).
		WithSpec(applyappsv1.DeploymentSpec().
			WithReplicas(replicas).
			WithSelector(applymetav1.LabelSelector().WithMatchLabels(labels)).
			WithTemplate(applycorev1.PodTemplateSpec().
				WithLabels(labels).
				WithSpec(applycorev1.PodSpec().
					WithContainers(applycorev1.Container().
						WithName("app").
						WithImage(imageRef).
						WithPorts(applycorev1.ContainerPort().WithContainerPort(8080)).
						WithResources(applycorev1.ResourceRequirements().
							WithRequests(corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("100m"),
								corev1.ResourceMemory: resource.MustParse("128Mi"),
							}).
							WithLimits(corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("500m"),
								corev1.ResourceMemory: resource.MustParse("512Mi"),
							}))))))

	_, err := r.clientset.AppsV1().Deployments(namespace).Apply(ctx, cfg, metav1.ApplyOptions{
		FieldManager: fieldManager,
		Force:        true,
	})
	if err != nil {
		return fmt.Errorf("applying preview deployment %s: %w", name, err)
	}
	return nil
}

func (r *PreviewReconciler) applyService(ctx context.Context, namespace, name string) error {
	labels := map[string]string{"app": name}

	cfg := applycorev1.Service(name, namespace).
		WithLabels(labels).
		WithSpec(applycorev1.ServiceSpec().
			WithType(corev1.ServiceTypeClusterIP).
			WithSelector(labels).
			WithPorts(applycorev1.ServicePort().
				WithPort(80).
				WithTargetPort(intstr.FromInt32(8080))))

	_, err := r.clientset.CoreV1().Services(namespace).Apply(ctx, cfg, metav1.ApplyOptions{
		FieldManager: fieldManager,
		Force:        true,
	})
	if err != nil {
		return fmt.Errorf("applying preview service %s: %w", name, err)
	}
	return nil
}

// cleanupExpired stops expired previews and deletes their namespaces. A
// missing namespace is not an error.
func (r *PreviewReconciler) cleanupExpired(ctx context.Context) {
	expired, err := r.store.Expired(ctx)
	if err != nil {
		r.logger.Error("listing expired previews", "error", err)
		return
	}

	for _, preview := range expired {
		if err := r.store.MarkStopped(ctx, preview.ID); err != nil {
			r.logger.Error("stopping expired preview", "preview_id", preview.ID, "error", err)
			continue
		}

		ns := PreviewNamespace(project.Slug(preview.ProjectName), preview.BranchSlug)
		err := r.clientset.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{})
		if err != nil && !k8serrors.IsNotFound(err) {
			r.logger.Error("deleting preview namespace", "namespace", ns, "error", err)
			continue
		}
		r.logger.Info("expired preview cleaned up", "preview_id", preview.ID, "namespace", ns)
	}
}
