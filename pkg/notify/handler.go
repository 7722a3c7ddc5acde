package notify

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fernworks/loom/internal/auth"
	"github.com/fernworks/loom/internal/httpserver"
)

// Handler provides HTTP handlers for in-app notifications.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a notification Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns notification routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/{id}/read", h.handleMarkRead)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	page := httpserver.ParsePageParams(r)
	items, total, err := h.store.ListForUser(r.Context(), identity.UserID, page.Limit, page.Offset)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, total))
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid notification id")
		return
	}
	ok, err := h.store.MarkRead(r.Context(), identity.UserID, id)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "notification not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "read"})
}
