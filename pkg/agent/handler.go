package agent

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fernworks/loom/internal/auth"
	"github.com/fernworks/loom/internal/db"
	"github.com/fernworks/loom/internal/httpserver"
	"github.com/fernworks/loom/pkg/project"
	"github.com/fernworks/loom/pkg/rbac"
)

// Handler provides HTTP handlers for agent sessions.
type Handler struct {
	service  *Service
	stream   *StreamHandler
	projects *project.Service
	resolver *rbac.Resolver
	logger   *slog.Logger
}

// NewHandler creates an agent session Handler.
func NewHandler(service *Service, projects *project.Service, dbtx db.DBTX, rdb *redis.Client, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		stream:   NewStreamHandler(service, logger),
		projects: projects,
		resolver: rbac.NewResolver(dbtx, rdb, logger),
		logger:   logger,
	}
}

// Routes returns session routes mounted under /projects/{projectID}/sessions.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Route("/{sessionID}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/messages", h.handleSendMessage)
		r.Post("/stop", h.handleStop)
		r.Get("/channel", h.handleChannel)
	})
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

func (h *Handler) requireAgentRun(w http.ResponseWriter, r *http.Request, projectID uuid.UUID) bool {
	identity := auth.IdentityFromContext(r.Context())
	allowed, err := h.resolver.HasPermissionScoped(r.Context(), identity.UserID, &projectID, rbac.PermAgentRun, identity.TokenScopes)
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

func (h *Handler) sessionFromRequest(w http.ResponseWriter, r *http.Request, p project.Row) (Session, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid session id")
		return Session{}, false
	}
	session, err := h.service.Store().Get(r.Context(), id)
	if err != nil || session.ProjectID != p.ID {
		httpserver.RespondError(w, http.StatusNotFound, "session not found")
		return Session{}, false
	}
	return session, true
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	page := httpserver.ParsePageParams(r)
	items, total, err := h.service.Store().ListForProject(r.Context(), p.ID, page.Limit, page.Offset)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, total))
}

type createSessionRequest struct {
	Prompt           string          `json:"prompt" validate:"required,min=1,max=16384"`
	Provider         string          `json:"provider" validate:"required,max=64"`
	Branch           string          `json:"branch" validate:"omitempty,max=255"`
	ProviderConfig   json.RawMessage `json:"provider_config"`
	ExtraPermissions []string        `json:"extra_permissions" validate:"omitempty,max=8"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	if !h.requireAgentRun(w, r, p.ID) {
		return
	}

	var req createSessionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	var extras []rbac.Permission
	for _, name := range req.ExtraPermissions {
		perm, ok := rbac.ParsePermission(name)
		if !ok {
			httpserver.RespondError(w, http.StatusBadRequest, "unknown permission: "+name)
			return
		}
		extras = append(extras, perm)
	}

	identity := auth.IdentityFromContext(r.Context())
	session, err := h.service.Create(r.Context(), CreateParams{
		UserID:           identity.UserID,
		ProjectID:        p.ID,
		Prompt:           req.Prompt,
		Provider:         req.Provider,
		Branch:           req.Branch,
		ProviderConfig:   req.ProviderConfig,
		ExtraPermissions: extras,
	})
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, session)
}

type sessionDetail struct {
	Session
	Messages []Message `json:"messages"`
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	session, ok := h.sessionFromRequest(w, r, p)
	if !ok {
		return
	}

	page := httpserver.ParsePageParams(r)
	messages, _, err := h.service.Store().Messages(r.Context(), session.ID, page.Limit, page.Offset)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	if messages == nil {
		messages = []Message{}
	}
	httpserver.Respond(w, http.StatusOK, sessionDetail{Session: session, Messages: messages})
}

type sendMessageRequest struct {
	Content string `json:"content" validate:"required,min=1,max=16384"`
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	session, ok := h.sessionFromRequest(w, r, p)
	if !ok {
		return
	}

	var req sendMessageRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.service.SendMessage(r.Context(), session.ID, req.Content); err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	session, ok := h.sessionFromRequest(w, r, p)
	if !ok {
		return
	}
	if err := h.service.Stop(r.Context(), session.ID); err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handler) handleChannel(w http.ResponseWriter, r *http.Request) {
	p, ok := h.projectFromRequest(w, r)
	if !ok {
		return
	}
	session, ok := h.sessionFromRequest(w, r, p)
	if !ok {
		return
	}
	h.stream.ServeSession(w, r, session.ID)
}
