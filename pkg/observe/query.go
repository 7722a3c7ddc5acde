package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogEntry is a stored log row returned by search.
type LogEntry struct {
	ID         uuid.UUID       `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	TraceID    *string         `json:"trace_id,omitempty"`
	SpanID     *string         `json:"span_id,omitempty"`
	ProjectID  *uuid.UUID      `json:"project_id,omitempty"`
	SessionID  *uuid.UUID      `json:"session_id,omitempty"`
	Service    string          `json:"service"`
	Level      string          `json:"level"`
	Message    string          `json:"message"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// LogSearchParams filters the log search.
type LogSearchParams struct {
	ProjectID *uuid.UUID
	SessionID *uuid.UUID
	Service   *string
	Level     *string
	Contains  *string
	Since     *time.Time
	Limit     int
	Offset    int
}

// SearchLogs returns matching log entries, newest first, with the total.
func (s *Store) SearchLogs(ctx context.Context, p LogSearchParams) ([]LogEntry, int64, error) {
	const where = `
		($1::uuid IS NULL OR project_id = $1)
		AND ($2::uuid IS NULL OR session_id = $2)
		AND ($3::text IS NULL OR service = $3)
		AND ($4::text IS NULL OR level = $4)
		AND ($5::text IS NULL OR message ILIKE '%' || $5 || '%')
		AND ($6::timestamptz IS NULL OR timestamp >= $6)`

	var total int64
	err := s.dbtx.QueryRow(ctx, `SELECT COUNT(*) FROM log_entries WHERE `+where,
		p.ProjectID, p.SessionID, p.Service, p.Level, p.Contains, p.Since).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting logs: %w", err)
	}

	rows, err := s.dbtx.Query(ctx, `
		SELECT id, timestamp, trace_id, span_id, project_id, session_id, service, level, message, attributes
		FROM log_entries WHERE `+where+`
		ORDER BY timestamp DESC LIMIT $7 OFFSET $8`,
		p.ProjectID, p.SessionID, p.Service, p.Level, p.Contains, p.Since, p.Limit, p.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("searching logs: %w", err)
	}
	defer rows.Close()

	var items []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.TraceID, &l.SpanID, &l.ProjectID, &l.SessionID,
			&l.Service, &l.Level, &l.Message, &l.Attributes); err != nil {
			return nil, 0, fmt.Errorf("scanning log row: %w", err)
		}
		items = append(items, l)
	}
	return items, total, rows.Err()
}

// Trace is a traces row.
type Trace struct {
	TraceID    string     `json:"trace_id"`
	RootSpan   string     `json:"root_span"`
	Service    string     `json:"service"`
	Status     string     `json:"status"`
	DurationMS *int32     `json:"duration_ms,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ProjectID  *uuid.UUID `json:"project_id,omitempty"`
	SessionID  *uuid.UUID `json:"session_id,omitempty"`
}

// ListTraces returns traces, newest first.
func (s *Store) ListTraces(ctx context.Context, projectID *uuid.UUID, limit, offset int) ([]Trace, int64, error) {
	var total int64
	err := s.dbtx.QueryRow(ctx, `
		SELECT COUNT(*) FROM traces WHERE ($1::uuid IS NULL OR project_id = $1)`, projectID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting traces: %w", err)
	}

	rows, err := s.dbtx.Query(ctx, `
		SELECT trace_id, root_span, service, status, duration_ms, started_at, finished_at, project_id, session_id
		FROM traces WHERE ($1::uuid IS NULL OR project_id = $1)
		ORDER BY started_at DESC LIMIT $2 OFFSET $3`, projectID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing traces: %w", err)
	}
	defer rows.Close()

	var items []Trace
	for rows.Next() {
		var t Trace
		if err := rows.Scan(&t.TraceID, &t.RootSpan, &t.Service, &t.Status, &t.DurationMS,
			&t.StartedAt, &t.FinishedAt, &t.ProjectID, &t.SessionID); err != nil {
			return nil, 0, fmt.Errorf("scanning trace row: %w", err)
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

// Span is a stored span returned by trace detail.
type Span struct {
	SpanID       string          `json:"span_id"`
	TraceID      string          `json:"trace_id"`
	ParentSpanID *string         `json:"parent_span_id,omitempty"`
	Name         string          `json:"name"`
	Service      string          `json:"service"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	Attributes   json.RawMessage `json:"attributes,omitempty"`
	Events       json.RawMessage `json:"events,omitempty"`
	DurationMS   *int32          `json:"duration_ms,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// GetTrace returns a trace and its spans ordered by start time.
func (s *Store) GetTrace(ctx context.Context, traceID string) (*Trace, []Span, error) {
	var t Trace
	err := s.dbtx.QueryRow(ctx, `
		SELECT trace_id, root_span, service, status, duration_ms, started_at, finished_at, project_id, session_id
		FROM traces WHERE trace_id = $1`, traceID).
		Scan(&t.TraceID, &t.RootSpan, &t.Service, &t.Status, &t.DurationMS,
			&t.StartedAt, &t.FinishedAt, &t.ProjectID, &t.SessionID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.dbtx.Query(ctx, `
		SELECT span_id, trace_id, parent_span_id, name, service, kind, status,
		       attributes, events, duration_ms, started_at, finished_at
		FROM spans WHERE trace_id = $1 ORDER BY started_at ASC`, traceID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing trace spans: %w", err)
	}
	defer rows.Close()

	var spans []Span
	for rows.Next() {
		var sp Span
		if err := rows.Scan(&sp.SpanID, &sp.TraceID, &sp.ParentSpanID, &sp.Name, &sp.Service,
			&sp.Kind, &sp.Status, &sp.Attributes, &sp.Events, &sp.DurationMS, &sp.StartedAt, &sp.FinishedAt); err != nil {
			return nil, nil, fmt.Errorf("scanning span row: %w", err)
		}
		spans = append(spans, sp)
	}
	return &t, spans, rows.Err()
}

// MetricPoint is one sample in a query result.
type MetricPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// QueryMetrics returns raw samples for a metric over a window.
func (s *Store) QueryMetrics(ctx context.Context, name string, labels json.RawMessage, since time.Time, limit int) ([]MetricPoint, error) {
	var labelsArg any
	if labels != nil {
		labelsArg = []byte(labels)
	}

	rows, err := s.dbtx.Query(ctx, `
		SELECT ms.timestamp, ms.value
		FROM metric_samples ms
		JOIN metric_series ser ON ser.id = ms.series_id
		WHERE ser.name = $1
		  AND ($2::jsonb IS NULL OR ser.labels @> $2)
		  AND ms.timestamp >= $3
		ORDER BY ms.timestamp ASC LIMIT $4`, name, labelsArg, since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying metrics: %w", err)
	}
	defer rows.Close()

	var points []MetricPoint
	for rows.Next() {
		var p MetricPoint
		if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
			return nil, fmt.Errorf("scanning metric point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// ListMetricNames returns the distinct metric names known to the store.
func (s *Store) ListMetricNames(ctx context.Context, projectID *uuid.UUID) ([]string, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT DISTINCT name FROM metric_series
		WHERE ($1::uuid IS NULL OR project_id = $1)
		ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing metric names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// TimelineItem is one entry of a session timeline: logs and spans merged by
// time.
type TimelineItem struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Summary   string    `json:"summary"`
	TraceID   *string   `json:"trace_id,omitempty"`
}

// SessionTimeline merges a session's logs and spans into one time-ordered
// view.
func (s *Store) SessionTimeline(ctx context.Context, sessionID uuid.UUID, limit int) ([]TimelineItem, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT kind, timestamp, service, summary, trace_id FROM (
			SELECT 'log' AS kind, timestamp, service, message AS summary, trace_id
			FROM log_entries WHERE session_id = $1
			UNION ALL
			SELECT 'span' AS kind, started_at AS timestamp, service, name AS summary, trace_id
			FROM spans WHERE session_id = $1
		) merged
		ORDER BY timestamp ASC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("building session timeline: %w", err)
	}
	defer rows.Close()

	var items []TimelineItem
	for rows.Next() {
		var item TimelineItem
		if err := rows.Scan(&item.Kind, &item.Timestamp, &item.Service, &item.Summary, &item.TraceID); err != nil {
			return nil, fmt.Errorf("scanning timeline item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// --- Alert rule CRUD ---

// CreateAlertRuleParams holds fields for inserting a rule.
type CreateAlertRuleParams struct {
	Name           string
	Description    *string
	Query          string
	Condition      string
	Threshold      *float64
	ForSeconds     int32
	Severity       string
	NotifyChannels []string
	ProjectID      *uuid.UUID
	CreatedBy      uuid.UUID
}

// CreateAlertRule inserts an enabled alert rule.
func (s *Store) CreateAlertRule(ctx context.Context, p CreateAlertRuleParams) (AlertRule, error) {
	if p.NotifyChannels == nil {
		p.NotifyChannels = []string{}
	}
	var r AlertRule
	err := s.dbtx.QueryRow(ctx, `
		INSERT INTO alert_rules (id, name, description, query, condition, threshold, for_seconds,
		                         severity, notify_channels, project_id, created_by, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, true)
		RETURNING id, name, description, query, condition, threshold, for_seconds,
		          severity, notify_channels, project_id, created_by, enabled, created_at`,
		uuid.New(), p.Name, p.Description, p.Query, p.Condition, p.Threshold, p.ForSeconds,
		p.Severity, p.NotifyChannels, p.ProjectID, p.CreatedBy).
		Scan(&r.ID, &r.Name, &r.Description, &r.Query, &r.Condition, &r.Threshold, &r.ForSeconds,
			&r.Severity, &r.NotifyChannels, &r.ProjectID, &r.CreatedBy, &r.Enabled, &r.CreatedAt)
	return r, err
}

// UpdateAlertRuleParams holds optional fields for patching a rule.
type UpdateAlertRuleParams struct {
	Name           *string
	Description    *string
	Query          *string
	Condition      *string
	Threshold      *float64
	ForSeconds     *int32
	Severity       *string
	NotifyChannels []string
	Enabled        *bool
}

// UpdateAlertRule patches the non-nil fields of a rule.
func (s *Store) UpdateAlertRule(ctx context.Context, id uuid.UUID, p UpdateAlertRuleParams) (AlertRule, error) {
	var r AlertRule
	err := s.dbtx.QueryRow(ctx, `
		UPDATE alert_rules SET
			name = COALESCE($2, name),
			description = COALESCE($3, description),
			query = COALESCE($4, query),
			condition = COALESCE($5, condition),
			threshold = COALESCE($6, threshold),
			for_seconds = COALESCE($7, for_seconds),
			severity = COALESCE($8, severity),
			notify_channels = COALESCE($9, notify_channels),
			enabled = COALESCE($10, enabled)
		WHERE id = $1
		RETURNING id, name, description, query, condition, threshold, for_seconds,
		          severity, notify_channels, project_id, created_by, enabled, created_at`,
		id, p.Name, p.Description, p.Query, p.Condition, p.Threshold, p.ForSeconds,
		p.Severity, p.NotifyChannels, p.Enabled).
		Scan(&r.ID, &r.Name, &r.Description, &r.Query, &r.Condition, &r.Threshold, &r.ForSeconds,
			&r.Severity, &r.NotifyChannels, &r.ProjectID, &r.CreatedBy, &r.Enabled, &r.CreatedAt)
	return r, err
}

// GetAlertRule returns a rule by id.
func (s *Store) GetAlertRule(ctx context.Context, id uuid.UUID) (AlertRule, error) {
	var r AlertRule
	err := s.dbtx.QueryRow(ctx, `
		SELECT id, name, description, query, condition, threshold, for_seconds,
		       severity, notify_channels, project_id, created_by, enabled, created_at
		FROM alert_rules WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Description, &r.Query, &r.Condition, &r.Threshold, &r.ForSeconds,
			&r.Severity, &r.NotifyChannels, &r.ProjectID, &r.CreatedBy, &r.Enabled, &r.CreatedAt)
	return r, err
}

// ListAlertRules returns rules, newest first, with the total.
func (s *Store) ListAlertRules(ctx context.Context, projectID *uuid.UUID, limit, offset int) ([]AlertRule, int64, error) {
	var total int64
	err := s.dbtx.QueryRow(ctx, `
		SELECT COUNT(*) FROM alert_rules WHERE ($1::uuid IS NULL OR project_id = $1)`, projectID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.dbtx.Query(ctx, `
		SELECT id, name, description, query, condition, threshold, for_seconds,
		       severity, notify_channels, project_id, created_by, enabled, created_at
		FROM alert_rules WHERE ($1::uuid IS NULL OR project_id = $1)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, projectID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing alert rules: %w", err)
	}
	defer rows.Close()

	var items []AlertRule
	for rows.Next() {
		var r AlertRule
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Query, &r.Condition, &r.Threshold,
			&r.ForSeconds, &r.Severity, &r.NotifyChannels, &r.ProjectID, &r.CreatedBy, &r.Enabled, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning alert rule: %w", err)
		}
		items = append(items, r)
	}
	return items, total, rows.Err()
}

// DeleteAlertRule removes a rule and its events.
func (s *Store) DeleteAlertRule(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListAlertEvents returns a rule's events, newest first.
func (s *Store) ListAlertEvents(ctx context.Context, ruleID uuid.UUID, limit, offset int) ([]AlertEvent, int64, error) {
	var total int64
	if err := s.dbtx.QueryRow(ctx, `SELECT COUNT(*) FROM alert_events WHERE rule_id = $1`, ruleID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.dbtx.Query(ctx, `
		SELECT id, rule_id, status, value, message, created_at, resolved_at
		FROM alert_events WHERE rule_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, ruleID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing alert events: %w", err)
	}
	defer rows.Close()

	var items []AlertEvent
	for rows.Next() {
		var e AlertEvent
		if err := rows.Scan(&e.ID, &e.RuleID, &e.Status, &e.Value, &e.Message, &e.CreatedAt, &e.ResolvedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning alert event: %w", err)
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}
