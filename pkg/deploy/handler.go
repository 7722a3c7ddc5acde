package deploy

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/fernworks/loom/internal/auth"
	"github.com/fernworks/loom/internal/db"
	"github.com/fernworks/loom/internal/httpserver"
	"github.com/fernworks/loom/pkg/project"
	"github.com/fernworks/loom/pkg/rbac"
)

// Handler provides HTTP handlers for deployments, ops repos, and previews.
type Handler struct {
	store    *Store
	previews *PreviewStore
	opsRepos *OpsRepoStore
	syncer   *OpsRepoSyncer
	projects *project.Service
	resolver *rbac.Resolver
	logger   *slog.Logger
}

// NewHandler creates a deploy Handler.
func NewHandler(dbtx db.DBTX, rdb *redis.Client, syncer *OpsRepoSyncer, projects *project.Service, logger *slog.Logger) *Handler {
	return &Handler{
		store:    NewStore(dbtx),
		previews: NewPreviewStore(dbtx),
		opsRepos: NewOpsRepoStore(dbtx),
		syncer:   syncer,
		projects: projects,
		resolver: rbac.NewResolver(dbtx, rdb, logger),
		logger:   logger,
	}
}

// ProjectRoutes returns deployment routes mounted under
// /projects/{projectID}/deployments.
func (h *Handler) ProjectRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Route("/{deploymentID}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Patch("/", h.handlePatch)
		r.Post("/rollback", h.handleRollback)
		r.Get("/history", h.handleHistory)
	})
	return r
}

// PreviewRoutes returns preview routes mounted under
// /projects/{projectID}/previews.
func (h *Handler) PreviewRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleListPreviews)
	r.Post("/stop", h.handleStopPreview)
	return r
}

// OpsRepoRoutes returns the global ops repo routes.
func (h *Handler) OpsRepoRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleListOpsRepos)
	r.Post("/", h.handleCreateOpsRepo)
	r.Delete("/{id}", h.handleDeleteOpsRepo)
	r.Post("/{id}/sync", h.handleForceSync)
	return r
}

func (h *Handler) projectFromRequest(w http.ResponseWriter, r *http.Request) (project.Row, bool) {
	identity := auth.IdentityFromContext(r.Context())
	projectID, err := uuid.Parse(chi.URLParam(r, "projectID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid project id")
		return project.Row{}, false
	}
	p, err := h.projects.GetReadable(r.Context(), identity.UserID, projectID)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return project.Row{}, false
	}
	return p, true
}

func (h *Handler) requirePromote(w http.ResponseWriter, r *http.Request, projectID uuid.UUID) bool {
	identity := auth.IdentityFromContext(r.Context())
	allowed, err := h.resolver.HasPermissionScoped(r.Context(), identity.UserID, &projectID, rbac.PermDeployPromote, identity.TokenScopes)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return false
	}
	if !allowed {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

type deploymentResponse struct {
	ID            uuid.UUID      `json:"id"`
	ProjectID     uuid.UUID      `json:"project_id"`
	Environment   string         `json:"environment"`
	OpsRepoID     *uuid.UUID     `json:"ops_repo_id,omitempty"`
	ManifestPath  *string        `json:"manifest_path,omitempty"`
	ImageRef      string         `json:"image_ref"`
	Values        map[string]any `json:"values_override,omitempty"`
	DesiredStatus string         `json:"desired_status"`
	CurrentStatus string         `json:"current_status"`
	CurrentSHA    *string        `json:"current_sha,omitempty"`
	DeployedAt    *time.Time     `json:"deployed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

func toDeploymentResponse(d Row) deploymentResponse {
	return deploymentResponse{
		ID: d.ID, ProjectID: d.ProjectID, Environment: d.Environment,
		OpsRepoID: d.OpsRepoID, ManifestPath: d.ManifestPath, ImageRef: d.ImageRef,
		Values: d.ValuesOverride, DesiredStatus: d.DesiredStatus, CurrentStatus: d.CurrentStatus,
		CurrentSHA: d.CurrentSHA, DeployedAt: d.DeployedAt, CreatedAt: d.CreatedAt,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	rows, err := h.store.ListForProject(r.Context(), p.ID)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	items := make([]deploymentResponse, 0, len(rows))
	for _, d := range rows {
		items = append(items, toDeploymentResponse(d))
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, int64(len(items))))
}

// deploymentFromRequest loads the route's deployment and checks it belongs
// to the route's project.
func (h *Handler) deploymentFromRequest(w http.ResponseWriter, r *http.Request, p project.Row) (Row, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "deploymentID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid deployment id")
		return Row{}, false
	}
	d, err := h.store.Get(r.Context(), id)
	if err != nil || d.ProjectID != p.ID {
		httpserver.RespondError(w, http.StatusNotFound, "deployment not found")
		return Row{}, false
	}
	return d, true
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	d, ok := h.deploymentFromRequest(w, r, p)
	if !ok {
		return
	}
	httpserver.Respond(w, http.StatusOK, toDeploymentResponse(d))
}

type patchRequest struct {
	ImageRef      *string        `json:"image_ref" validate:"omitempty,min=1,max=512"`
	Values        map[string]any `json:"values_override"`
	OpsRepoID     *uuid.UUID     `json:"ops_repo_id"`
	ManifestPath  *string        `json:"manifest_path" validate:"omitempty,max=512"`
	DesiredStatus *string        `json:"desired_status" validate:"omitempty,oneof=active stopped"`
}

func (h *Handler) handlePatch(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	if !h.requirePromote(w, r, p.ID) {
		return
	}
	d, ok := h.deploymentFromRequest(w, r, p)
	if !ok {
		return
	}

	var req patchRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	updated, err := h.store.Update(r.Context(), d.ID, UpdateParams{
		ImageRef:       req.ImageRef,
		ValuesOverride: req.Values,
		OpsRepoID:      req.OpsRepoID,
		ManifestPath:   req.ManifestPath,
		DesiredStatus:  req.DesiredStatus,
	})
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, toDeploymentResponse(updated))
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	if !h.requirePromote(w, r, p.ID) {
		return
	}
	d, ok := h.deploymentFromRequest(w, r, p)
	if !ok {
		return
	}

	// Refuse rollback up front when there is nothing to roll back to.
	if _, err := h.store.PreviousSuccessImage(r.Context(), d.ID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusBadRequest, "no previous deployment")
			return
		}
		httpserver.RespondAppError(w, h.logger, err)
		return
	}

	if err := h.store.RequestRollback(r.Context(), d.ID); err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, map[string]string{"status": "rollback_requested"})
}

type historyResponse struct {
	ID         uuid.UUID  `json:"id"`
	ImageRef   string     `json:"image_ref"`
	OpsRepoSHA *string    `json:"ops_repo_sha,omitempty"`
	Action     string     `json:"action"`
	Status     string     `json:"status"`
	Message    *string    `json:"message,omitempty"`
	DeployedBy *uuid.UUID `json:"deployed_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	d, ok := h.deploymentFromRequest(w, r, p)
	if !ok {
		return
	}

	page := httpserver.ParsePageParams(r)
	rows, total, err := h.store.History(r.Context(), d.ID, page.Limit, page.Offset)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	items := make([]historyResponse, 0, len(rows))
	for _, hr := range rows {
		items = append(items, historyResponse{
			ID: hr.ID, ImageRef: hr.ImageRef, OpsRepoSHA: hr.OpsRepoSHA,
			Action: hr.Action, Status: hr.Status, Message: hr.Message,
			DeployedBy: hr.DeployedBy, CreatedAt: hr.CreatedAt,
		})
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, total))
}

// --- Previews ---

type previewResponse struct {
	ID            uuid.UUID `json:"id"`
	Branch        string    `json:"branch"`
	BranchSlug    string    `json:"branch_slug"`
	ImageRef      string    `json:"image_ref"`
	DesiredStatus string    `json:"desired_status"`
	CurrentStatus string    `json:"current_status"`
	TTLHours      int32     `json:"ttl_hours"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
}

func (h *Handler) handleListPreviews(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	rows, err := h.previews.ListForProject(r.Context(), p.ID)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	items := make([]previewResponse, 0, len(rows))
	for _, pr := range rows {
		items = append(items, previewResponse{
			ID: pr.ID, Branch: pr.Branch, BranchSlug: pr.BranchSlug, ImageRef: pr.ImageRef,
			DesiredStatus: pr.DesiredStatus, CurrentStatus: pr.CurrentStatus,
			TTLHours: pr.TTLHours, ExpiresAt: pr.ExpiresAt, CreatedAt: pr.CreatedAt,
		})
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, int64(len(items))))
}

type stopPreviewRequest struct {
	Branch string `json:"branch" validate:"required,max=255"`
}

func (h *Handler) handleStopPreview(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	var req stopPreviewRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	stopped, err := h.previews.StopForBranch(r.Context(), p.ID, req.Branch)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	if !stopped {
		httpserver.RespondError(w, http.StatusNotFound, "preview not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// --- Ops repos ---

type opsRepoResponse struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	RepoURL       string    `json:"repo_url"`
	Branch        string    `json:"branch"`
	Path          string    `json:"path"`
	SyncIntervalS int32     `json:"sync_interval_s"`
	CreatedAt     time.Time `json:"created_at"`
}

func toOpsRepoResponse(o OpsRepoRow) opsRepoResponse {
	return opsRepoResponse{
		ID: o.ID, Name: o.Name, RepoURL: o.RepoURL, Branch: o.Branch,
		Path: o.Path, SyncIntervalS: o.SyncIntervalS, CreatedAt: o.CreatedAt,
	}
}

func (h *Handler) handleListOpsRepos(w http.ResponseWriter, r *http.Request) {
	rows, err := h.opsRepos.List(r.Context())
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	items := make([]opsRepoResponse, 0, len(rows))
	for _, o := range rows {
		items = append(items, toOpsRepoResponse(o))
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, int64(len(items))))
}

type createOpsRepoRequest struct {
	Name          string `json:"name" validate:"required,min=1,max=100"`
	RepoURL       string `json:"repo_url" validate:"required,url,max=512"`
	Branch        string `json:"branch" validate:"omitempty,max=255"`
	Path          string `json:"path" validate:"omitempty,max=512"`
	SyncIntervalS int32  `json:"sync_interval_s" validate:"omitempty,gte=10,lte=86400"`
}

func (h *Handler) handleCreateOpsRepo(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	allowed, err := h.resolver.HasPermissionScoped(r.Context(), identity.UserID, nil, rbac.PermDeployPromote, identity.TokenScopes)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	if !allowed {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req createOpsRepoRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := checkRepoURL(req.RepoURL); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	branch := req.Branch
	if branch == "" {
		branch = "main"
	}
	interval := req.SyncIntervalS
	if interval == 0 {
		interval = 300
	}

	row, err := h.opsRepos.Create(r.Context(), req.Name, req.RepoURL, branch, req.Path, interval)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, toOpsRepoResponse(row))
}

func (h *Handler) handleDeleteOpsRepo(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid ops repo id")
		return
	}

	refs, err := h.store.ActiveDeploymentsReferencingOpsRepo(r.Context(), id)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	if refs > 0 {
		httpserver.RespondError(w, http.StatusConflict, "ops repo is referenced by active deployments")
		return
	}

	if err := h.opsRepos.Delete(r.Context(), id); err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "ops repo not found")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleForceSync(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid ops repo id")
		return
	}
	sha, err := h.syncer.ForceSync(r.Context(), id)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"sha": sha})
}
