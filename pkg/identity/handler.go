package identity

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fernworks/loom/internal/audit"
	"github.com/fernworks/loom/internal/auth"
	"github.com/fernworks/loom/internal/db"
	"github.com/fernworks/loom/internal/httpserver"
	"github.com/fernworks/loom/pkg/rbac"
)

// Handler provides HTTP handlers for users, tokens, and login.
type Handler struct {
	service       *Service
	resolver      *rbac.Resolver
	rateLimiter   *auth.RateLimiter
	audit         *audit.Writer
	logger        *slog.Logger
	secureCookies bool
}

// NewHandler creates an identity Handler.
func NewHandler(dbtx db.DBTX, rdb *redis.Client, auditWriter *audit.Writer, logger *slog.Logger, secureCookies bool) *Handler {
	return &Handler{
		service:       NewService(dbtx, logger),
		resolver:      rbac.NewResolver(dbtx, rdb, logger),
		rateLimiter:   auth.NewRateLimiter(rdb),
		audit:         auditWriter,
		logger:        logger,
		secureCookies: secureCookies,
	}
}

// AuthRoutes returns the public, pre-authentication routes.
func (h *Handler) AuthRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/login", h.handleLogin)
	return r
}

// HandleMe serves GET /me.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) { h.handleMe(w, r) }

// HandleLogout serves POST /logout.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) { h.handleLogout(w, r) }

// UserRoutes returns the authenticated user-management routes.
func (h *Handler) UserRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Patch("/", h.handleUpdate)
		r.Delete("/", h.handleDeactivate)
	})
	return r
}

// TokenRoutes returns the caller's API token routes.
func (h *Handler) TokenRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleListTokens)
	r.Post("/", h.handleCreateToken)
	r.Delete("/{id}", h.handleRevokeToken)
	return r
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := r.RemoteAddr
	ok, err := h.rateLimiter.Allow(r.Context(), "login", ip, 10, 15*time.Minute)
	if err != nil {
		h.logger.Warn("login rate limit check failed", "error", err)
	} else if !ok {
		httpserver.RespondError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	var req LoginRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	user, rawToken, err := h.service.Login(r.Context(), req)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    rawToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((24 * time.Hour).Seconds()),
	})
	httpserver.Respond(w, http.StatusOK, user)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.SessionCookieName); err == nil {
		if err := h.service.Logout(r.Context(), cookie.Value); err != nil {
			httpserver.RespondAppError(w, h.logger, err)
			return
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	resp, err := h.service.Get(r.Context(), identity.UserID)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

// requireAdminUsers gates user management behind admin:users.
func (h *Handler) requireAdminUsers(w http.ResponseWriter, r *http.Request) bool {
	identity := auth.IdentityFromContext(r.Context())
	allowed, err := h.resolver.HasPermissionScoped(r.Context(), identity.UserID, nil, rbac.PermAdminUsers, identity.TokenScopes)
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
	if !h.requireAdminUsers(w, r) {
		return
	}
	page := httpserver.ParsePageParams(r)
	items, total, err := h.service.List(r.Context(), page.Limit, page.Offset)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, total))
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdminUsers(w, r) {
		return
	}
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	resp, err := h.service.Create(r.Context(), req)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"name": resp.Name})
		h.audit.LogFromRequest(r, "create", "user", resp.ID, detail)
	}
	httpserver.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	resp, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	// Users may patch themselves; anything else needs admin:users.
	identity := auth.IdentityFromContext(r.Context())
	if identity.UserID != id && !h.requireAdminUsers(w, r) {
		return
	}

	var req UpdateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	resp, err := h.service.Update(r.Context(), id, req)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdminUsers(w, r) {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := h.service.Deactivate(r.Context(), id); err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, "deactivate", "user", id, nil)
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleListTokens(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	items, err := h.service.ListTokens(r.Context(), identity.UserID)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, int64(len(items))))
}

func (h *Handler) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	var req CreateTokenRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	resp, err := h.service.CreateToken(r.Context(), identity.UserID, req)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid token id")
		return
	}
	if err := h.service.RevokeToken(r.Context(), identity.UserID, id); err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}
