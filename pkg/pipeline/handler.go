package pipeline

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fernworks/loom/internal/auth"
	"github.com/fernworks/loom/internal/httpserver"
	"github.com/fernworks/loom/internal/platform"
	"github.com/fernworks/loom/pkg/project"
)

// Handler provides HTTP handlers for the pipelines API.
type Handler struct {
	store       *Store
	trigger     *Trigger
	executor    *Executor
	projects    *project.Service
	objectStore *platform.ObjectStore
	logger      *slog.Logger
}

// NewHandler creates a pipeline Handler.
func NewHandler(store *Store, trigger *Trigger, executor *Executor, projects *project.Service, objectStore *platform.ObjectStore, logger *slog.Logger) *Handler {
	return &Handler{
		store:       store,
		trigger:     trigger,
		executor:    executor,
		projects:    projects,
		objectStore: objectStore,
		logger:      logger,
	}
}

// Routes returns pipeline routes, mounted under /projects/{projectID}/pipelines.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleTrigger)
	r.Route("/{pipelineID}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/cancel", h.handleCancel)
		r.Get("/steps/{stepName}/logs", h.handleStepLogs)
		r.Get("/artifacts", h.handleListArtifacts)
		r.Get("/artifacts/{name}", h.handleDownloadArtifact)
	})
	return r
}

// ArtifactPrefix is the object-store prefix steps upload artifacts under.
func ArtifactPrefix(pipelineID uuid.UUID) string {
	return fmt.Sprintf("artifacts/pipelines/%s/", pipelineID)
}

type pipelineResponse struct {
	ID          uuid.UUID  `json:"id"`
	ProjectID   uuid.UUID  `json:"project_id"`
	Trigger     string     `json:"trigger"`
	GitRef      string     `json:"git_ref"`
	CommitSHA   *string    `json:"commit_sha,omitempty"`
	Status      string     `json:"status"`
	TriggeredBy uuid.UUID  `json:"triggered_by"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

type stepResponse struct {
	ID         uuid.UUID `json:"id"`
	StepOrder  int32     `json:"step_order"`
	Name       string    `json:"name"`
	Image      string    `json:"image"`
	Commands   []string  `json:"commands"`
	Status     string    `json:"status"`
	ExitCode   *int32    `json:"exit_code,omitempty"`
	DurationMS *int64    `json:"duration_ms,omitempty"`
	LogRef     *string   `json:"log_ref,omitempty"`
}

type detailResponse struct {
	pipelineResponse
	Steps []stepResponse `json:"steps"`
}

func toPipelineResponse(p Row) pipelineResponse {
	return pipelineResponse{
		ID: p.ID, ProjectID: p.ProjectID, Trigger: p.Trigger, GitRef: p.GitRef,
		CommitSHA: p.CommitSHA, Status: p.Status, TriggeredBy: p.TriggeredBy,
		CreatedAt: p.CreatedAt, StartedAt: p.StartedAt, FinishedAt: p.FinishedAt,
	}
}

// projectFromRequest loads the route's project and enforces visibility.
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

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	page := httpserver.ParsePageParams(r)
	rows, total, err := h.store.ListForProject(r.Context(), p.ID, page.Limit, page.Offset)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	items := make([]pipelineResponse, 0, len(rows))
	for _, row := range rows {
		items = append(items, toPipelineResponse(row))
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, total))
}

type triggerRequest struct {
	Ref string `json:"ref" validate:"required,max=255"`
}

func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	var req triggerRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	identity := auth.IdentityFromContext(r.Context())
	id, err := h.trigger.OnAPI(r.Context(), p.ID, identity.UserID, p.RepoPath, req.Ref)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, map[string]any{"pipeline_id": id})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "pipelineID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid pipeline id")
		return
	}

	row, err := h.store.Get(r.Context(), id)
	if err != nil || row.ProjectID != p.ID {
		httpserver.RespondError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	steps, err := h.store.Steps(r.Context(), id)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}

	detail := detailResponse{pipelineResponse: toPipelineResponse(row)}
	for _, st := range steps {
		detail.Steps = append(detail.Steps, stepResponse{
			ID: st.ID, StepOrder: st.StepOrder, Name: st.Name, Image: st.Image,
			Commands: st.Commands, Status: st.Status, ExitCode: st.ExitCode,
			DurationMS: st.DurationMS, LogRef: st.LogRef,
		})
	}
	httpserver.Respond(w, http.StatusOK, detail)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "pipelineID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid pipeline id")
		return
	}
	row, err := h.store.Get(r.Context(), id)
	if err != nil || row.ProjectID != p.ID {
		httpserver.RespondError(w, http.StatusNotFound, "pipeline not found")
		return
	}

	if err := h.executor.Cancel(r.Context(), id); err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) handleStepLogs(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "pipelineID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid pipeline id")
		return
	}
	row, err := h.store.Get(r.Context(), id)
	if err != nil || row.ProjectID != p.ID {
		httpserver.RespondError(w, http.StatusNotFound, "pipeline not found")
		return
	}

	data, err := h.objectStore.Read(r.Context(), LogPath(id, chi.URLParam(r, "stepName")))
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "step log not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) pipelineForArtifacts(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "pipelineID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid pipeline id")
		return uuid.Nil, false
	}
	row, err := h.store.Get(r.Context(), id)
	if err != nil || row.ProjectID != p.ID {
		httpserver.RespondError(w, http.StatusNotFound, "pipeline not found")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pipelineForArtifacts(w, r)
	if !ok {
		return
	}

	prefix := ArtifactPrefix(id)
	keys, err := h.objectStore.ListPrefix(r.Context(), prefix)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}

	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, strings.TrimPrefix(key, prefix))
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(names, int64(len(names))))
}

func (h *Handler) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pipelineForArtifacts(w, r)
	if !ok {
		return
	}

	name := chi.URLParam(r, "name")
	url, err := h.objectStore.Presign(r.Context(), ArtifactPrefix(id)+name, time.Hour)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "artifact not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"url": url})
}
