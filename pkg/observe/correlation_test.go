package observe

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
)

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func TestExtractEnvelope(t *testing.T) {
	projectID := uuid.New()
	sessionID := uuid.New()

	env := ExtractEnvelope(
		[]*commonpb.KeyValue{
			strAttr("service.name", "checkout"),
			strAttr("loom.project.id", projectID.String()),
		},
		[]*commonpb.KeyValue{
			strAttr("loom.session.id", sessionID.String()),
		},
	)

	if env.Service != "checkout" {
		t.Errorf("service = %q", env.Service)
	}
	if env.ProjectID == nil || *env.ProjectID != projectID {
		t.Errorf("project = %v", env.ProjectID)
	}
	if env.SessionID == nil || *env.SessionID != sessionID {
		t.Errorf("session = %v", env.SessionID)
	}
	if env.UserID != nil {
		t.Errorf("user must be nil when absent, got %v", env.UserID)
	}
}

func TestExtractEnvelopeMissingKeys(t *testing.T) {
	env := ExtractEnvelope(nil, nil)
	if env.Service != "unknown" {
		t.Errorf("default service = %q", env.Service)
	}
	if env.ProjectID != nil || env.SessionID != nil || env.UserID != nil {
		t.Error("missing keys must leave fields nil")
	}
}

func TestExtractEnvelopeInvalidUUIDIgnored(t *testing.T) {
	env := ExtractEnvelope([]*commonpb.KeyValue{strAttr("loom.project.id", "not-a-uuid")}, nil)
	if env.ProjectID != nil {
		t.Error("invalid uuid must be dropped")
	}
}

func TestAttrsToJSON(t *testing.T) {
	raw := attrsToJSON([]*commonpb.KeyValue{
		strAttr("http.method", "GET"),
		{Key: "http.status_code", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: 200}}},
	})
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshaling: %v", err)
	}
	if m["http.method"] != "GET" || m["http.status_code"] != float64(200) {
		t.Errorf("attrs = %v", m)
	}
}

func TestAttrsToJSONEmpty(t *testing.T) {
	if attrsToJSON(nil) != nil {
		t.Error("empty attrs must serialize to nil")
	}
	if string(labelsToJSON(nil)) != "{}" {
		t.Error("empty labels must serialize to {}")
	}
}

func TestSeverityToLevel(t *testing.T) {
	cases := map[int32]string{
		1:  "trace",
		5:  "debug",
		9:  "info",
		13: "warn",
		17: "error",
		24: "error",
	}
	for sev, want := range cases {
		if got := severityToLevel(sev); got != want {
			t.Errorf("severity %d = %q, want %q", sev, got, want)
		}
	}
}

func TestSpanKindAndStatus(t *testing.T) {
	if spanKindString(2) != "server" || spanKindString(0) != "unspecified" {
		t.Error("span kind mapping wrong")
	}
	if statusCodeString(1) != "ok" || statusCodeString(2) != "error" || statusCodeString(0) != "unset" {
		t.Error("status code mapping wrong")
	}
}
