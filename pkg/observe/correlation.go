package observe

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"

	"github.com/fernworks/loom/internal/db"
)

// Well-known attribute names carrying the platform correlation envelope.
const (
	attrProjectID = "loom.project.id"
	attrSessionID = "loom.session.id"
	attrUserID    = "loom.user.id"
	attrService   = "service.name"
)

// Envelope is the set of platform identifiers extracted from OTLP resource
// and item attributes. Missing keys leave fields nil.
type Envelope struct {
	ProjectID *uuid.UUID
	SessionID *uuid.UUID
	UserID    *uuid.UUID
	Service   string
	TraceID   *string
	SpanID    *string
}

// ExtractEnvelope pulls correlation keys out of resource attributes first,
// letting item-level attributes override.
func ExtractEnvelope(resourceAttrs, itemAttrs []*commonpb.KeyValue) Envelope {
	env := Envelope{Service: "unknown"}
	for _, attrs := range [][]*commonpb.KeyValue{resourceAttrs, itemAttrs} {
		for _, kv := range attrs {
			val := anyValueString(kv.GetValue())
			switch kv.GetKey() {
			case attrProjectID:
				if id, err := uuid.Parse(val); err == nil {
					env.ProjectID = &id
				}
			case attrSessionID:
				if id, err := uuid.Parse(val); err == nil {
					env.SessionID = &id
				}
			case attrUserID:
				if id, err := uuid.Parse(val); err == nil {
					env.UserID = &id
				}
			case attrService:
				if val != "" {
					env.Service = val
				}
			}
		}
	}
	return env
}

// ResolveSession backfills project and user from the referenced agent
// session when the envelope names a session but not the rest.
func ResolveSession(ctx context.Context, dbtx db.DBTX, env *Envelope) error {
	if env.SessionID == nil || (env.ProjectID != nil && env.UserID != nil) {
		return nil
	}

	var projectID, userID uuid.UUID
	err := dbtx.QueryRow(ctx, `SELECT project_id, user_id FROM agent_sessions WHERE id = $1`, *env.SessionID).
		Scan(&projectID, &userID)
	if err != nil {
		return fmt.Errorf("resolving session correlation: %w", err)
	}
	if env.ProjectID == nil {
		env.ProjectID = &projectID
	}
	if env.UserID == nil {
		env.UserID = &userID
	}
	return nil
}

// --- OTLP value helpers ---

func anyValueString(v *commonpb.AnyValue) string {
	if v == nil {
		return ""
	}
	switch val := v.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_IntValue:
		return fmt.Sprintf("%d", val.IntValue)
	case *commonpb.AnyValue_DoubleValue:
		return fmt.Sprintf("%g", val.DoubleValue)
	case *commonpb.AnyValue_BoolValue:
		return fmt.Sprintf("%t", val.BoolValue)
	default:
		return ""
	}
}

func anyValueJSON(v *commonpb.AnyValue) any {
	if v == nil {
		return nil
	}
	switch val := v.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_IntValue:
		return val.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue
	case *commonpb.AnyValue_ArrayValue:
		out := make([]any, 0, len(val.ArrayValue.GetValues()))
		for _, item := range val.ArrayValue.GetValues() {
			out = append(out, anyValueJSON(item))
		}
		return out
	case *commonpb.AnyValue_KvlistValue:
		out := make(map[string]any, len(val.KvlistValue.GetValues()))
		for _, kv := range val.KvlistValue.GetValues() {
			out[kv.GetKey()] = anyValueJSON(kv.GetValue())
		}
		return out
	default:
		return nil
	}
}

// attrsToJSON serializes attributes to a JSON object, or nil when empty.
func attrsToJSON(attrs []*commonpb.KeyValue) json.RawMessage {
	if len(attrs) == 0 {
		return nil
	}
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[kv.GetKey()] = anyValueJSON(kv.GetValue())
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return raw
}

// labelsToJSON is attrsToJSON but always yields an object so series keys
// compare stably.
func labelsToJSON(attrs []*commonpb.KeyValue) json.RawMessage {
	if raw := attrsToJSON(attrs); raw != nil {
		return raw
	}
	return json.RawMessage(`{}`)
}

func traceIDHex(raw []byte) string { return hex.EncodeToString(raw) }
func spanIDHex(raw []byte) string  { return hex.EncodeToString(raw) }

func nanosToTime(nanos uint64) time.Time {
	return time.Unix(0, int64(nanos)).UTC()
}

// severityToLevel maps OTLP severity numbers onto coarse level names.
func severityToLevel(severity int32) string {
	switch {
	case severity >= 17:
		return "error"
	case severity >= 13:
		return "warn"
	case severity >= 9:
		return "info"
	case severity >= 5:
		return "debug"
	default:
		return "trace"
	}
}

// spanKindString maps the OTLP span kind enum to its lowercase name.
func spanKindString(kind int32) string {
	switch kind {
	case 1:
		return "internal"
	case 2:
		return "server"
	case 3:
		return "client"
	case 4:
		return "producer"
	case 5:
		return "consumer"
	default:
		return "unspecified"
	}
}

// statusCodeString maps the OTLP status code enum.
func statusCodeString(code int32) string {
	switch code {
	case 1:
		return "ok"
	case 2:
		return "error"
	default:
		return "unset"
	}
}
