package deploy

import (
	"context"

	"github.com/google/uuid"

	"github.com/fernworks/loom/internal/db"
	"github.com/fernworks/loom/pkg/project"
)

// Writer receives image handoffs from the pipeline executor and writes the
// corresponding deployment rows. It satisfies the executor's
// DeploymentWriter interface without the pipeline package importing this
// one.
type Writer struct {
	deployments *Store
	previews    *PreviewStore
}

// NewWriter creates a deployment writer.
func NewWriter(dbtx db.DBTX) *Writer {
	return &Writer{deployments: NewStore(dbtx), previews: NewPreviewStore(dbtx)}
}

// UpsertProduction upserts the production deployment for a default-branch
// build.
func (w *Writer) UpsertProduction(ctx context.Context, projectID uuid.UUID, imageRef string) error {
	return w.deployments.UpsertProduction(ctx, projectID, imageRef)
}

// UpsertPreview upserts the branch preview for a non-default-branch build.
func (w *Writer) UpsertPreview(ctx context.Context, projectID, pipelineID, triggeredBy uuid.UUID, branch, imageRef string) error {
	return w.previews.Upsert(ctx, projectID, pipelineID, branch, project.Slug(branch), imageRef, triggeredBy)
}
