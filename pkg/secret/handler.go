package secret

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fernworks/loom/internal/auth"
	"github.com/fernworks/loom/internal/db"
	"github.com/fernworks/loom/internal/httpserver"
	"github.com/fernworks/loom/pkg/rbac"
)

// Handler provides HTTP handlers for the secrets API. Values are accepted
// via POST and never returned.
type Handler struct {
	store    *Store
	envelope *Envelope // nil when no master key is configured
	resolver *rbac.Resolver
	logger   *slog.Logger
}

// NewHandler creates a secret Handler. envelope may be nil, in which case
// writes are refused with 503.
func NewHandler(dbtx db.DBTX, rdb *redis.Client, envelope *Envelope, logger *slog.Logger) *Handler {
	return &Handler{
		store:    NewStore(dbtx),
		envelope: envelope,
		resolver: rbac.NewResolver(dbtx, rdb, logger),
		logger:   logger,
	}
}

// Store exposes the underlying store.
func (h *Handler) Store() *Store { return h.store }

// Envelope exposes the envelope (nil when no master key is configured).
func (h *Handler) Envelope() *Envelope { return h.envelope }

// Routes returns a chi.Router with secret routes mounted. Project-scoped
// routes expect a {projectID} URL parameter from the parent router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleUpsert)
	r.Delete("/{name}", h.handleDelete)
	return r
}

type metaResponse struct {
	ID        uuid.UUID  `json:"id"`
	ProjectID *uuid.UUID `json:"project_id,omitempty"`
	Name      string     `json:"name"`
	Scope     string     `json:"scope"`
	CreatedBy uuid.UUID  `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
}

type upsertRequest struct {
	Name  string `json:"name" validate:"required,min=1,max=128"`
	Value string `json:"value" validate:"required,max=65536"`
	Scope string `json:"scope" validate:"omitempty,oneof=pipeline agent deploy all"`
}

// projectIDParam extracts the optional {projectID} parameter; absent means
// the global scope.
func projectIDParam(r *http.Request) (*uuid.UUID, bool) {
	raw := chi.URLParam(r, "projectID")
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, false
	}
	return &id, true
}

func (h *Handler) require(w http.ResponseWriter, r *http.Request, projectID *uuid.UUID, perm rbac.Permission) bool {
	identity := auth.IdentityFromContext(r.Context())
	allowed, err := h.resolver.HasPermissionScoped(r.Context(), identity.UserID, projectID, perm, identity.TokenScopes)
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

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	if !h.require(w, r, projectID, rbac.PermSecretRead) {
		return
	}

	rows, err := h.store.List(r.Context(), projectID)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	items := make([]metaResponse, 0, len(rows))
	for _, s := range rows {
		items = append(items, metaResponse{
			ID: s.ID, ProjectID: s.ProjectID, Name: s.Name,
			Scope: s.Scope, CreatedBy: s.CreatedBy, CreatedAt: s.CreatedAt,
		})
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, int64(len(items))))
}

func (h *Handler) handleUpsert(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	if !h.require(w, r, projectID, rbac.PermSecretWrite) {
		return
	}
	if h.envelope == nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "secret storage is not configured")
		return
	}

	var req upsertRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	scope := req.Scope
	if scope == "" {
		scope = ScopeAll
	}

	ciphertext, err := h.envelope.Seal(req.Value)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}

	identity := auth.IdentityFromContext(r.Context())
	row, err := h.store.Upsert(r.Context(), projectID, req.Name, ciphertext, scope, identity.UserID)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}

	h.logger.Info("secret stored", "secret_id", row.ID, "name", row.Name, "scope", row.Scope)
	httpserver.Respond(w, http.StatusCreated, metaResponse{
		ID: row.ID, ProjectID: row.ProjectID, Name: row.Name,
		Scope: row.Scope, CreatedBy: row.CreatedBy, CreatedAt: row.CreatedAt,
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	if !h.require(w, r, projectID, rbac.PermSecretWrite) {
		return
	}

	if err := h.store.Delete(r.Context(), projectID, chi.URLParam(r, "name")); err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "secret not found")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}
