package rbac

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
)

// Handler provides HTTP handlers for roles, assignments, and delegations.
type Handler struct {
	store       *Store
	resolver    *Resolver
	delegations *DelegationService
	logger      *slog.Logger
}

// NewHandler creates an rbac Handler.
func NewHandler(dbtx db.DBTX, rdb *redis.Client, logger *slog.Logger) *Handler {
	return &Handler{
		store:       NewStore(dbtx),
		resolver:    NewResolver(dbtx, rdb, logger),
		delegations: NewDelegationService(dbtx, rdb, logger),
		logger:      logger,
	}
}

// Routes returns a chi.Router with role and delegation routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/roles", h.handleListRoles)
	r.Post("/roles", h.handleCreateRole)
	r.Get("/roles/{id}/permissions", h.handleRolePermissions)
	r.Put("/roles/{id}/permissions", h.handleSetRolePermissions)
	r.Post("/roles/assign", h.handleAssignRole)
	r.Post("/roles/remove", h.handleRemoveRole)

	r.Get("/delegations", h.handleListDelegations)
	r.Post("/delegations", h.handleCreateDelegation)
	r.Delete("/delegations/{id}", h.handleRevokeDelegation)
	return r
}

func (h *Handler) require(w http.ResponseWriter, r *http.Request, perm Permission) bool {
	identity := auth.IdentityFromContext(r.Context())
	allowed, err := h.resolver.HasPermissionScoped(r.Context(), identity.UserID, nil, perm, identity.TokenScopes)
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

// --- Roles ---

type roleResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
}

func toRoleResponse(r RoleRow) roleResponse {
	return roleResponse{ID: r.ID, Name: r.Name, Description: r.Description, IsSystem: r.IsSystem, CreatedAt: r.CreatedAt}
}

func (h *Handler) handleListRoles(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListRoles(r.Context())
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	items := make([]roleResponse, 0, len(rows))
	for _, row := range rows {
		items = append(items, toRoleResponse(row))
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, int64(len(items))))
}

type createRoleRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=64"`
	Description string `json:"description" validate:"max=256"`
}

func (h *Handler) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, PermAdminUsers) {
		return
	}
	var req createRoleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	row, err := h.store.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, toRoleResponse(row))
}

func (h *Handler) handleRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid role id")
		return
	}
	names, err := h.store.RolePermissionNames(r.Context(), id)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(names, int64(len(names))))
}

type setRolePermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"required"`
}

func (h *Handler) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, PermAdminUsers) {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid role id")
		return
	}

	role, err := h.store.GetRole(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "role not found")
		return
	}
	if role.IsSystem {
		httpserver.RespondError(w, http.StatusConflict, "system roles are immutable")
		return
	}

	var req setRolePermissionsRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	perms := make([]Permission, 0, len(req.Permissions))
	for _, name := range req.Permissions {
		p, ok := ParsePermission(name)
		if !ok {
			httpserver.RespondError(w, http.StatusBadRequest, "unknown permission: "+name)
			return
		}
		perms = append(perms, p)
	}

	if err := h.store.ReplaceRolePermissions(r.Context(), id, perms); err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"role_id": id, "permissions": req.Permissions})
}

type assignRoleRequest struct {
	UserID    uuid.UUID  `json:"user_id" validate:"required"`
	RoleID    uuid.UUID  `json:"role_id" validate:"required"`
	ProjectID *uuid.UUID `json:"project_id"`
}

func (h *Handler) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, PermAdminUsers) {
		return
	}
	var req assignRoleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.store.AssignRole(r.Context(), req.UserID, req.RoleID, req.ProjectID); err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	// Role assignments change effective permissions immediately.
	if err := h.resolver.Invalidate(r.Context(), req.UserID, req.ProjectID); err != nil {
		h.logger.Warn("invalidating permission cache after role assignment", "user_id", req.UserID, "error", err)
	}
	httpserver.Respond(w, http.StatusCreated, map[string]any{"user_id": req.UserID, "role_id": req.RoleID})
}

func (h *Handler) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, PermAdminUsers) {
		return
	}
	var req assignRoleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	removed, err := h.store.RemoveRole(r.Context(), req.UserID, req.RoleID, req.ProjectID)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	if !removed {
		httpserver.RespondError(w, http.StatusNotFound, "role assignment not found")
		return
	}
	if err := h.resolver.Invalidate(r.Context(), req.UserID, req.ProjectID); err != nil {
		h.logger.Warn("invalidating permission cache after role removal", "user_id", req.UserID, "error", err)
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// --- Delegations ---

type delegationResponse struct {
	ID         uuid.UUID  `json:"id"`
	Delegator  uuid.UUID  `json:"delegator_id"`
	Delegate   uuid.UUID  `json:"delegate_id"`
	Permission string     `json:"permission"`
	ProjectID  *uuid.UUID `json:"project_id,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Reason     *string    `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

func toDelegationResponse(d DelegationRow) delegationResponse {
	return delegationResponse{
		ID:         d.ID,
		Delegator:  d.DelegatorID,
		Delegate:   d.DelegateID,
		Permission: d.PermissionName,
		ProjectID:  d.ProjectID,
		ExpiresAt:  d.ExpiresAt,
		Reason:     d.Reason,
		CreatedAt:  d.CreatedAt,
		RevokedAt:  d.RevokedAt,
	}
}

func (h *Handler) handleListDelegations(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	rows, err := h.delegations.List(r.Context(), identity.UserID)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	items := make([]delegationResponse, 0, len(rows))
	for _, d := range rows {
		items = append(items, toDelegationResponse(d))
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, int64(len(items))))
}

type createDelegationRequest struct {
	DelegateID uuid.UUID  `json:"delegate_id" validate:"required"`
	Permission string     `json:"permission" validate:"required"`
	ProjectID  *uuid.UUID `json:"project_id"`
	ExpiresAt  *time.Time `json:"expires_at"`
	Reason     *string    `json:"reason" validate:"omitempty,max=512"`
}

func (h *Handler) handleCreateDelegation(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, PermAdminDelegate) {
		return
	}
	var req createDelegationRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	perm, ok := ParsePermission(req.Permission)
	if !ok {
		httpserver.RespondError(w, http.StatusBadRequest, "unknown permission: "+req.Permission)
		return
	}

	identity := auth.IdentityFromContext(r.Context())
	row, err := h.delegations.Create(r.Context(), CreateDelegationParams{
		DelegatorID: identity.UserID,
		DelegateID:  req.DelegateID,
		Permission:  perm,
		ProjectID:   req.ProjectID,
		ExpiresAt:   req.ExpiresAt,
		Reason:      req.Reason,
	})
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, toDelegationResponse(row))
}

func (h *Handler) handleRevokeDelegation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid delegation id")
		return
	}
	if err := h.delegations.Revoke(r.Context(), id); err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}
