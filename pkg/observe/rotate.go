package observe

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/parquet-go/parquet-go"

	"github.com/fernworks/loom/internal/platform"
	"github.com/fernworks/loom/internal/telemetry"
)

const (
	rotationInterval = 15 * time.Minute
	rotationBatch    = 10_000

	logRetention    = 48 * time.Hour
	spanRetention   = 48 * time.Hour
	metricRetention = time.Hour
)

// Rotator moves cold ingest rows into snappy-compressed columnar files in
// the object store, then deletes the rotated rows.
type Rotator struct {
	pool        *pgxpool.Pool
	objectStore *platform.ObjectStore
	logger      *slog.Logger
}

// NewRotator creates the cold rotation task.
func NewRotator(pool *pgxpool.Pool, objectStore *platform.ObjectStore, logger *slog.Logger) *Rotator {
	return &Rotator{pool: pool, objectStore: objectStore, logger: logger}
}

// Run is the rotation background loop; it blocks until ctx is cancelled.
func (r *Rotator) Run(ctx context.Context) {
	r.logger.Info("cold rotation started", "interval", rotationInterval)

	ticker := time.NewTicker(rotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("cold rotation stopped")
			return
		case <-ticker.C:
			if n, err := r.RotateLogs(ctx); err != nil {
				r.logger.Error("log rotation failed", "error", err)
			} else if n > 0 {
				r.logger.Info("rotated logs to columnar storage", "count", n)
			}
			if n, err := r.RotateSpans(ctx); err != nil {
				r.logger.Error("span rotation failed", "error", err)
			} else if n > 0 {
				r.logger.Info("rotated spans to columnar storage", "count", n)
			}
			if n, err := r.RotateMetrics(ctx); err != nil {
				r.logger.Error("metric rotation failed", "error", err)
			} else if n > 0 {
				r.logger.Info("rotated metric samples to columnar storage", "count", n)
			}
		}
	}
}

// logParquetRow is the columnar schema for archived log entries.
type logParquetRow struct {
	ID         string `parquet:"id"`
	TimestampU int64  `parquet:"timestamp,timestamp(microsecond)"`
	TraceID    string `parquet:"trace_id,optional"`
	SpanID     string `parquet:"span_id,optional"`
	ProjectID  string `parquet:"project_id,optional"`
	SessionID  string `parquet:"session_id,optional"`
	Service    string `parquet:"service"`
	Level      string `parquet:"level"`
	Message    string `parquet:"message"`
	Attributes string `parquet:"attributes,optional"`
}

// RotateLogs archives log entries older than the retention window.
func (r *Rotator) RotateLogs(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-logRetention)

	rows, err := r.pool.Query(ctx, `
		SELECT id, timestamp, trace_id, span_id, project_id, session_id,
		       service, level, message, attributes
		FROM log_entries
		WHERE timestamp < $1
		ORDER BY timestamp ASC
		LIMIT $2`, cutoff, rotationBatch)
	if err != nil {
		return 0, fmt.Errorf("selecting cold logs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	var records []logParquetRow
	for rows.Next() {
		var (
			id                  uuid.UUID
			ts                  time.Time
			traceID, spanID     *string
			projectID, session  *uuid.UUID
			service, level, msg string
			attributes          []byte
		)
		if err := rows.Scan(&id, &ts, &traceID, &spanID, &projectID, &session, &service, &level, &msg, &attributes); err != nil {
			return 0, fmt.Errorf("scanning cold log row: %w", err)
		}
		ids = append(ids, id)
		records = append(records, logParquetRow{
			ID:         id.String(),
			TimestampU: ts.UnixMicro(),
			TraceID:    deref(traceID),
			SpanID:     deref(spanID),
			ProjectID:  derefUUID(projectID),
			SessionID:  derefUUID(session),
			Service:    service,
			Level:      level,
			Message:    msg,
			Attributes: string(attributes),
		})
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	raw, err := writeParquet(records)
	if err != nil {
		return 0, err
	}

	path := fmt.Sprintf("otel/logs/%s/logs_%s.parquet", cutoff.Format("2006-01-02"), uuid.New())
	if err := r.objectStore.Write(ctx, path, raw); err != nil {
		return 0, err
	}

	if _, err := r.pool.Exec(ctx, `DELETE FROM log_entries WHERE id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("deleting rotated logs: %w", err)
	}
	telemetry.RotatedRowsTotal.WithLabelValues("logs").Add(float64(len(records)))
	return len(records), nil
}

// spanParquetRow is the columnar schema for archived spans.
type spanParquetRow struct {
	TraceID      string `parquet:"trace_id"`
	SpanID       string `parquet:"span_id"`
	ParentSpanID string `parquet:"parent_span_id,optional"`
	Name         string `parquet:"name"`
	Service      string `parquet:"service"`
	Kind         string `parquet:"kind"`
	Status       string `parquet:"status"`
	DurationMS   int32  `parquet:"duration_ms,optional"`
	StartedAtU   int64  `parquet:"started_at,timestamp(microsecond)"`
	ProjectID    string `parquet:"project_id,optional"`
	SessionID    string `parquet:"session_id,optional"`
}

// RotateSpans archives spans older than the retention window.
func (r *Rotator) RotateSpans(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-spanRetention)

	rows, err := r.pool.Query(ctx, `
		SELECT id, trace_id, span_id, parent_span_id, name, service, kind, status,
		       duration_ms, started_at, project_id, session_id
		FROM spans
		WHERE started_at < $1
		ORDER BY started_at ASC
		LIMIT $2`, cutoff, rotationBatch)
	if err != nil {
		return 0, fmt.Errorf("selecting cold spans: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	var records []spanParquetRow
	for rows.Next() {
		var (
			id                 uuid.UUID
			traceID, spanID    string
			parentSpanID       *string
			name, service      string
			kind, status       string
			durationMS         *int32
			startedAt          time.Time
			projectID, session *uuid.UUID
		)
		if err := rows.Scan(&id, &traceID, &spanID, &parentSpanID, &name, &service, &kind, &status,
			&durationMS, &startedAt, &projectID, &session); err != nil {
			return 0, fmt.Errorf("scanning cold span row: %w", err)
		}
		ids = append(ids, id)
		rec := spanParquetRow{
			TraceID:      traceID,
			SpanID:       spanID,
			ParentSpanID: deref(parentSpanID),
			Name:         name,
			Service:      service,
			Kind:         kind,
			Status:       status,
			StartedAtU:   startedAt.UnixMicro(),
			ProjectID:    derefUUID(projectID),
			SessionID:    derefUUID(session),
		}
		if durationMS != nil {
			rec.DurationMS = *durationMS
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	raw, err := writeParquet(records)
	if err != nil {
		return 0, err
	}

	path := fmt.Sprintf("otel/traces/%s/spans_%s.parquet", cutoff.Format("2006-01-02"), uuid.New())
	if err := r.objectStore.Write(ctx, path, raw); err != nil {
		return 0, err
	}

	if _, err := r.pool.Exec(ctx, `DELETE FROM spans WHERE id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("deleting rotated spans: %w", err)
	}
	telemetry.RotatedRowsTotal.WithLabelValues("spans").Add(float64(len(records)))
	return len(records), nil
}

// metricParquetRow is the columnar schema for archived metric samples.
type metricParquetRow struct {
	SeriesID   string  `parquet:"series_id"`
	Name       string  `parquet:"name"`
	Labels     string  `parquet:"labels"`
	TimestampU int64   `parquet:"timestamp,timestamp(microsecond)"`
	Value      float64 `parquet:"value"`
}

// RotateMetrics archives metric samples older than the retention window,
// deleting by the (series_id, timestamp) compound key.
func (r *Rotator) RotateMetrics(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-metricRetention)

	rows, err := r.pool.Query(ctx, `
		SELECT ms.series_id, ser.name, ser.labels, ms.timestamp, ms.value
		FROM metric_samples ms
		JOIN metric_series ser ON ser.id = ms.series_id
		WHERE ms.timestamp < $1
		ORDER BY ms.timestamp ASC
		LIMIT $2`, cutoff, rotationBatch)
	if err != nil {
		return 0, fmt.Errorf("selecting cold metric samples: %w", err)
	}
	defer rows.Close()

	var seriesIDs []uuid.UUID
	var timestamps []time.Time
	var records []metricParquetRow
	for rows.Next() {
		var (
			seriesID uuid.UUID
			name     string
			labels   []byte
			ts       time.Time
			value    float64
		)
		if err := rows.Scan(&seriesID, &name, &labels, &ts, &value); err != nil {
			return 0, fmt.Errorf("scanning cold metric row: %w", err)
		}
		seriesIDs = append(seriesIDs, seriesID)
		timestamps = append(timestamps, ts)
		records = append(records, metricParquetRow{
			SeriesID:   seriesID.String(),
			Name:       name,
			Labels:     string(labels),
			TimestampU: ts.UnixMicro(),
			Value:      value,
		})
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	raw, err := writeParquet(records)
	if err != nil {
		return 0, err
	}

	path := fmt.Sprintf("otel/metrics/%s/metrics_%s.parquet", cutoff.Format("2006-01-02"), uuid.New())
	if err := r.objectStore.Write(ctx, path, raw); err != nil {
		return 0, err
	}

	_, err = r.pool.Exec(ctx, `
		DELETE FROM metric_samples
		WHERE (series_id, timestamp) IN (
			SELECT * FROM UNNEST($1::uuid[], $2::timestamptz[])
		)`, seriesIDs, timestamps)
	if err != nil {
		return 0, fmt.Errorf("deleting rotated metric samples: %w", err)
	}
	telemetry.RotatedRowsTotal.WithLabelValues("metrics").Add(float64(len(records)))
	return len(records), nil
}

// writeParquet encodes rows into a snappy-compressed parquet buffer.
func writeParquet[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[T](&buf, parquet.Compression(&parquet.Snappy))
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("writing parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefUUID(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
