package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fernworks/loom/internal/db"
)

// Store provides batch writes and queries over the observability tables.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates an observe Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// WriteSpans batch-inserts spans with a multi-row UNNEST insert, upserting
// the parent trace row for each span first.
func (s *Store) WriteSpans(ctx context.Context, spans []SpanRecord) error {
	if len(spans) == 0 {
		return nil
	}

	for i := range spans {
		if err := s.upsertTrace(ctx, &spans[i]); err != nil {
			return err
		}
	}

	n := len(spans)
	traceIDs := make([]string, n)
	spanIDs := make([]string, n)
	parentIDs := make([]*string, n)
	names := make([]string, n)
	services := make([]string, n)
	kinds := make([]string, n)
	statuses := make([]string, n)
	attributes := make([]*string, n)
	events := make([]*string, n)
	durations := make([]*int32, n)
	started := make([]time.Time, n)
	finished := make([]*time.Time, n)
	projectIDs := make([]*uuid.UUID, n)
	sessionIDs := make([]*uuid.UUID, n)
	userIDs := make([]*uuid.UUID, n)

	for i, sp := range spans {
		traceIDs[i] = sp.TraceID
		spanIDs[i] = sp.SpanID
		parentIDs[i] = sp.ParentSpanID
		names[i] = sp.Name
		services[i] = sp.Service
		kinds[i] = sp.Kind
		statuses[i] = sp.Status
		attributes[i] = rawJSONText(sp.Attributes)
		events[i] = rawJSONText(sp.Events)
		durations[i] = sp.DurationMS
		started[i] = sp.StartedAt
		finished[i] = sp.FinishedAt
		projectIDs[i] = sp.ProjectID
		sessionIDs[i] = sp.SessionID
		userIDs[i] = sp.UserID
	}

	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO spans (trace_id, span_id, parent_span_id, name, service, kind, status,
		                   attributes, events, duration_ms, started_at, finished_at,
		                   project_id, session_id, user_id)
		SELECT * FROM UNNEST(
			$1::text[], $2::text[], $3::text[], $4::text[], $5::text[],
			$6::text[], $7::text[], $8::jsonb[], $9::jsonb[], $10::int[],
			$11::timestamptz[], $12::timestamptz[], $13::uuid[], $14::uuid[], $15::uuid[]
		)
		ON CONFLICT (span_id) DO NOTHING`,
		traceIDs, spanIDs, parentIDs, names, services, kinds, statuses,
		attributes, events, durations, started, finished,
		projectIDs, sessionIDs, userIDs)
	if err != nil {
		return fmt.Errorf("inserting spans: %w", err)
	}
	return nil
}

// upsertTrace maintains the parent traces row: root spans carry the trace's
// own fields, non-root spans only ensure the row exists.
func (s *Store) upsertTrace(ctx context.Context, sp *SpanRecord) error {
	if sp.ParentSpanID != nil {
		_, err := s.dbtx.Exec(ctx, `
			INSERT INTO traces (trace_id, root_span, service, status, started_at, project_id, session_id, user_id)
			VALUES ($1, $2, $3, 'unset', $4, $5, $6, $7)
			ON CONFLICT (trace_id) DO NOTHING`,
			sp.TraceID, sp.Name, sp.Service, sp.StartedAt, sp.ProjectID, sp.SessionID, sp.UserID)
		if err != nil {
			return fmt.Errorf("ensuring trace row: %w", err)
		}
		return nil
	}

	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO traces (trace_id, root_span, service, status, duration_ms, started_at, finished_at,
		                    project_id, session_id, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (trace_id) DO UPDATE SET
			root_span = EXCLUDED.root_span,
			status = EXCLUDED.status,
			duration_ms = EXCLUDED.duration_ms,
			finished_at = EXCLUDED.finished_at`,
		sp.TraceID, sp.Name, sp.Service, sp.Status, sp.DurationMS, sp.StartedAt, sp.FinishedAt,
		sp.ProjectID, sp.SessionID, sp.UserID)
	if err != nil {
		return fmt.Errorf("upserting trace row: %w", err)
	}
	return nil
}

// WriteLogs batch-inserts log entries with a multi-row UNNEST insert.
func (s *Store) WriteLogs(ctx context.Context, logs []LogRecord) error {
	if len(logs) == 0 {
		return nil
	}

	n := len(logs)
	timestamps := make([]time.Time, n)
	traceIDs := make([]*string, n)
	spanIDs := make([]*string, n)
	projectIDs := make([]*uuid.UUID, n)
	sessionIDs := make([]*uuid.UUID, n)
	userIDs := make([]*uuid.UUID, n)
	services := make([]string, n)
	levels := make([]string, n)
	messages := make([]string, n)
	attributes := make([]*string, n)

	for i, l := range logs {
		timestamps[i] = l.Timestamp
		traceIDs[i] = l.TraceID
		spanIDs[i] = l.SpanID
		projectIDs[i] = l.ProjectID
		sessionIDs[i] = l.SessionID
		userIDs[i] = l.UserID
		services[i] = l.Service
		levels[i] = l.Level
		messages[i] = l.Message
		attributes[i] = rawJSONText(l.Attributes)
	}

	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO log_entries (timestamp, trace_id, span_id, project_id, session_id, user_id,
		                         service, level, message, attributes)
		SELECT * FROM UNNEST(
			$1::timestamptz[], $2::text[], $3::text[], $4::uuid[], $5::uuid[], $6::uuid[],
			$7::text[], $8::text[], $9::text[], $10::jsonb[]
		)`,
		timestamps, traceIDs, spanIDs, projectIDs, sessionIDs, userIDs,
		services, levels, messages, attributes)
	if err != nil {
		return fmt.Errorf("inserting log entries: %w", err)
	}
	return nil
}

// rawJSONText converts raw JSON to a nullable text value so jsonb[] array
// binds cast cleanly.
func rawJSONText(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

// WriteMetrics upserts each sample's series row and inserts the sample.
func (s *Store) WriteMetrics(ctx context.Context, metrics []MetricRecord) error {
	for i := range metrics {
		if err := s.writeMetric(ctx, &metrics[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeMetric(ctx context.Context, m *MetricRecord) error {
	labels := m.Labels
	if labels == nil {
		labels = json.RawMessage(`{}`)
	}

	var seriesID uuid.UUID
	err := s.dbtx.QueryRow(ctx, `
		INSERT INTO metric_series (id, name, labels, metric_type, unit, project_id, last_value)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name, labels)
		DO UPDATE SET last_value = EXCLUDED.last_value, updated_at = now()
		RETURNING id`,
		uuid.New(), m.Name, labels, m.MetricType, m.Unit, m.ProjectID, m.Value).Scan(&seriesID)
	if err != nil {
		return fmt.Errorf("upserting metric series %q: %w", m.Name, err)
	}

	_, err = s.dbtx.Exec(ctx, `
		INSERT INTO metric_samples (series_id, timestamp, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (series_id, timestamp) DO UPDATE SET value = EXCLUDED.value`,
		seriesID, m.Timestamp, m.Value)
	if err != nil {
		return fmt.Errorf("inserting metric sample: %w", err)
	}
	return nil
}
