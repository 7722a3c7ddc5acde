package webhook

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fernworks/loom/internal/auth"
	"github.com/fernworks/loom/internal/httpserver"
	"github.com/fernworks/loom/pkg/project"
)

// Handler provides HTTP handlers for webhook subscriptions.
type Handler struct {
	fanout   *Fanout
	projects *project.Service
	logger   *slog.Logger
}

// NewHandler creates a webhook Handler.
func NewHandler(fanout *Fanout, projects *project.Service, logger *slog.Logger) *Handler {
	return &Handler{fanout: fanout, projects: projects, logger: logger}
}

// Routes returns webhook routes mounted under /projects/{projectID}/webhooks.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Delete("/{id}", h.handleDelete)
	r.Post("/{id}/test", h.handleTest)
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

type subscriptionResponse struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

func toSubscriptionResponse(s Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID: s.ID, ProjectID: s.ProjectID, URL: s.URL,
		Events: s.Events, IsActive: s.IsActive, CreatedAt: s.CreatedAt,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	rows, err := h.fanout.Store().ListForProject(r.Context(), p.ID)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	items := make([]subscriptionResponse, 0, len(rows))
	for _, s := range rows {
		items = append(items, toSubscriptionResponse(s))
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, int64(len(items))))
}

type createRequest struct {
	URL    string   `json:"url" validate:"required,url,max=512"`
	Secret string   `json:"secret" validate:"required,min=16,max=128"`
	Events []string `json:"events" validate:"required,min=1,dive,oneof=build deploy agent mr alert"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := checkDeliveryURL(req.URL); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	row, err := h.fanout.Store().Create(r.Context(), p.ID, req.URL, req.Secret, req.Events)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, toSubscriptionResponse(row))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid webhook id")
		return
	}
	deleted, err := h.fanout.Store().Delete(r.Context(), p.ID, id)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	if !deleted {
		httpserver.RespondError(w, http.StatusNotFound, "webhook not found")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleTest(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid webhook id")
		return
	}
	sub, err := h.fanout.Store().Get(r.Context(), id)
	if err != nil || sub.ProjectID != p.ID {
		httpserver.RespondError(w, http.StatusNotFound, "webhook not found")
		return
	}

	err = h.fanout.Deliver(r.Context(), sub, "test", map[string]any{
		"action":     "test",
		"project_id": p.ID,
		"timestamp":  time.Now().UTC(),
	})
	if err != nil {
		httpserver.Respond(w, http.StatusOK, map[string]any{"delivered": false, "error": err.Error()})
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"delivered": true})
}
