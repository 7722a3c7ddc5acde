// Package observe implements the OTLP ingest pipeline, cold rotation to
// columnar object storage, the alert evaluator, and the observability query
// surface.
package observe

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SpanRecord is a span ready for batch insertion.
type SpanRecord struct {
	TraceID      string
	SpanID       string
	ParentSpanID *string
	Name         string
	Service      string
	Kind         string
	Status       string
	Attributes   json.RawMessage
	Events       json.RawMessage
	DurationMS   *int32
	StartedAt    time.Time
	FinishedAt   *time.Time
	ProjectID    *uuid.UUID
	SessionID    *uuid.UUID
	UserID       *uuid.UUID
}

// LogRecord is a log entry ready for batch insertion.
type LogRecord struct {
	Timestamp  time.Time
	TraceID    *string
	SpanID     *string
	ProjectID  *uuid.UUID
	SessionID  *uuid.UUID
	UserID     *uuid.UUID
	Service    string
	Level      string
	Message    string
	Attributes json.RawMessage
}

// MetricRecord is a metric sample ready for series upsert + insertion.
type MetricRecord struct {
	Name       string
	Labels     json.RawMessage
	MetricType string
	Unit       *string
	ProjectID  *uuid.UUID
	Timestamp  time.Time
	Value      float64
}

// TailMessage is the compact live-tail payload published per log record.
type TailMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	TraceID   *string   `json:"trace_id,omitempty"`
}

// TailChannel is the pub/sub channel carrying a project's live log tail.
func TailChannel(projectID *uuid.UUID) string {
	if projectID == nil {
		return "logs:global"
	}
	return "logs:" + projectID.String()
}
