package observe

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/fernworks/loom/internal/auth"
	"github.com/fernworks/loom/internal/db"
	"github.com/fernworks/loom/internal/httpserver"
	"github.com/fernworks/loom/pkg/rbac"
)

// Handler provides HTTP handlers for the observability query surface and
// alert rule management.
type Handler struct {
	store    *Store
	rdb      *redis.Client
	resolver *rbac.Resolver
	logger   *slog.Logger
}

// NewHandler creates an observe Handler.
func NewHandler(dbtx db.DBTX, rdb *redis.Client, logger *slog.Logger) *Handler {
	return &Handler{
		store:    NewStore(dbtx),
		rdb:      rdb,
		resolver: rbac.NewResolver(dbtx, rdb, logger),
		logger:   logger,
	}
}

// Routes returns the observability routes, mounted under /observe.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/logs", h.handleSearchLogs)
	r.Get("/logs/tail", h.handleLiveTail)
	r.Get("/traces", h.handleListTraces)
	r.Get("/traces/{traceID}", h.handleGetTrace)
	r.Get("/metrics", h.handleQueryMetrics)
	r.Get("/metrics/names", h.handleListMetricNames)
	r.Get("/sessions/{sessionID}/timeline", h.handleSessionTimeline)

	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", h.handleListAlertRules)
		r.Post("/", h.handleCreateAlertRule)
		r.Route("/{ruleID}", func(r chi.Router) {
			r.Get("/", h.handleGetAlertRule)
			r.Patch("/", h.handleUpdateAlertRule)
			r.Delete("/", h.handleDeleteAlertRule)
			r.Get("/events", h.handleListAlertEvents)
		})
	})
	return r
}

func (h *Handler) require(w http.ResponseWriter, r *http.Request, perm rbac.Permission) bool {
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

func optionalUUID(r *http.Request, key string) (*uuid.UUID, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, false
	}
	return &id, true
}

func optionalString(r *http.Request, key string) *string {
	if v := r.URL.Query().Get(key); v != "" {
		return &v
	}
	return nil
}

func (h *Handler) handleSearchLogs(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, rbac.PermObserveRead) {
		return
	}

	projectID, ok := optionalUUID(r, "project_id")
	if !ok {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid project_id")
		return
	}
	sessionID, ok := optionalUUID(r, "session_id")
	if !ok {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid session_id")
		return
	}

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = &t
	}

	page := httpserver.ParsePageParams(r)
	items, total, err := h.store.SearchLogs(r.Context(), LogSearchParams{
		ProjectID: projectID,
		SessionID: sessionID,
		Service:   optionalString(r, "service"),
		Level:     optionalString(r, "level"),
		Contains:  optionalString(r, "q"),
		Since:     since,
		Limit:     page.Limit,
		Offset:    page.Offset,
	})
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, total))
}

// handleLiveTail subscribes the websocket client to the project's log tail
// pub/sub channel.
func (h *Handler) handleLiveTail(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, rbac.PermObserveRead) {
		return
	}

	projectID, ok := optionalUUID(r, "project_id")
	if !ok {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid project_id")
		return
	}

	conn, err := tailUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrading tail socket", "error", err)
		return
	}
	defer conn.Close()

	pubsub := h.rdb.Subscribe(r.Context(), TailChannel(projectID))
	defer pubsub.Close()

	// Drain (and discard) inbound frames so pings and closes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				pubsub.Close()
				return
			}
		}
	}()

	for msg := range pubsub.Channel() {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
			return
		}
	}
}

var tailUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (h *Handler) handleListTraces(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, rbac.PermObserveRead) {
		return
	}
	projectID, ok := optionalUUID(r, "project_id")
	if !ok {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid project_id")
		return
	}

	page := httpserver.ParsePageParams(r)
	items, total, err := h.store.ListTraces(r.Context(), projectID, page.Limit, page.Offset)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, total))
}

func (h *Handler) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, rbac.PermObserveRead) {
		return
	}

	trace, spans, err := h.store.GetTrace(r.Context(), chi.URLParam(r, "traceID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "trace not found")
		return
	}
	if spans == nil {
		spans = []Span{}
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"trace": trace, "spans": spans})
}

func (h *Handler) handleQueryMetrics(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, rbac.PermObserveRead) {
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "name is required")
		return
	}

	since := time.Now().Add(-time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}

	var labels []byte
	if raw := r.URL.Query().Get("labels"); raw != "" {
		labels = []byte(raw)
	}

	points, err := h.store.QueryMetrics(r.Context(), name, labels, since, 10_000)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	if points == nil {
		points = []MetricPoint{}
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"name": name, "points": points})
}

func (h *Handler) handleListMetricNames(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, rbac.PermObserveRead) {
		return
	}
	projectID, ok := optionalUUID(r, "project_id")
	if !ok {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid project_id")
		return
	}

	names, err := h.store.ListMetricNames(r.Context(), projectID)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(names, int64(len(names))))
}

func (h *Handler) handleSessionTimeline(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, rbac.PermObserveRead) {
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	items, err := h.store.SessionTimeline(r.Context(), sessionID, 1000)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, int64(len(items))))
}

// --- Alert rules ---

type createAlertRuleRequest struct {
	Name           string   `json:"name" validate:"required,min=1,max=128"`
	Description    *string  `json:"description" validate:"omitempty,max=1024"`
	Query          string   `json:"query" validate:"required,min=1,max=1000"`
	Condition      string   `json:"condition" validate:"required,oneof=gt lt eq absent"`
	Threshold      *float64 `json:"threshold"`
	ForSeconds     *int32   `json:"for_seconds" validate:"omitempty,gte=0,lte=86400"`
	Severity       string   `json:"severity" validate:"omitempty,oneof=info warning critical"`
	NotifyChannels []string `json:"notify_channels"`
	ProjectID      *string  `json:"project_id"`
}

func (h *Handler) handleCreateAlertRule(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, rbac.PermAlertManage) {
		return
	}

	var req createAlertRuleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	// Validate the query up front so broken rules never reach the evaluator.
	if _, err := ParseAlertQuery(req.Query); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Condition != CondAbsent && req.Threshold == nil {
		httpserver.RespondError(w, http.StatusBadRequest, "threshold is required for gt/lt/eq conditions")
		return
	}

	var projectID *uuid.UUID
	if req.ProjectID != nil {
		id, err := uuid.Parse(*req.ProjectID)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "invalid project_id")
			return
		}
		projectID = &id
	}

	forSeconds := int32(0)
	if req.ForSeconds != nil {
		forSeconds = *req.ForSeconds
	}
	severity := req.Severity
	if severity == "" {
		severity = "warning"
	}

	identity := auth.IdentityFromContext(r.Context())
	rule, err := h.store.CreateAlertRule(r.Context(), CreateAlertRuleParams{
		Name:           req.Name,
		Description:    req.Description,
		Query:          req.Query,
		Condition:      req.Condition,
		Threshold:      req.Threshold,
		ForSeconds:     forSeconds,
		Severity:       severity,
		NotifyChannels: req.NotifyChannels,
		ProjectID:      projectID,
		CreatedBy:      identity.UserID,
	})
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, rule)
}

func (h *Handler) handleListAlertRules(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, rbac.PermObserveRead) {
		return
	}
	projectID, ok := optionalUUID(r, "project_id")
	if !ok {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid project_id")
		return
	}

	page := httpserver.ParsePageParams(r)
	items, total, err := h.store.ListAlertRules(r.Context(), projectID, page.Limit, page.Offset)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, total))
}

func (h *Handler) handleGetAlertRule(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, rbac.PermObserveRead) {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "ruleID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	rule, err := h.store.GetAlertRule(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "alert rule not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, rule)
}

type updateAlertRuleRequest struct {
	Name           *string  `json:"name" validate:"omitempty,min=1,max=128"`
	Description    *string  `json:"description" validate:"omitempty,max=1024"`
	Query          *string  `json:"query" validate:"omitempty,min=1,max=1000"`
	Condition      *string  `json:"condition" validate:"omitempty,oneof=gt lt eq absent"`
	Threshold      *float64 `json:"threshold"`
	ForSeconds     *int32   `json:"for_seconds" validate:"omitempty,gte=0,lte=86400"`
	Severity       *string  `json:"severity" validate:"omitempty,oneof=info warning critical"`
	NotifyChannels []string `json:"notify_channels"`
	Enabled        *bool    `json:"enabled"`
}

func (h *Handler) handleUpdateAlertRule(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, rbac.PermAlertManage) {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "ruleID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	var req updateAlertRuleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if req.Query != nil {
		if _, err := ParseAlertQuery(*req.Query); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var severity *string
	if req.Severity != nil {
		severity = req.Severity
	}
	rule, err := h.store.UpdateAlertRule(r.Context(), id, UpdateAlertRuleParams{
		Name:           req.Name,
		Description:    req.Description,
		Query:          req.Query,
		Condition:      req.Condition,
		Threshold:      req.Threshold,
		ForSeconds:     req.ForSeconds,
		Severity:       severity,
		NotifyChannels: req.NotifyChannels,
		Enabled:        req.Enabled,
	})
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "alert rule not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, rule)
}

func (h *Handler) handleDeleteAlertRule(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, rbac.PermAlertManage) {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "ruleID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	deleted, err := h.store.DeleteAlertRule(r.Context(), id)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	if !deleted {
		httpserver.RespondError(w, http.StatusNotFound, "alert rule not found")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleListAlertEvents(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, rbac.PermObserveRead) {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "ruleID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	page := httpserver.ParsePageParams(r)
	items, total, err := h.store.ListAlertEvents(r.Context(), id, page.Limit, page.Offset)
	if err != nil {
		httpserver.RespondAppError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewListResponse(items, total))
}
