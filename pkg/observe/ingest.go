package observe

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/fernworks/loom/internal/db"
	"github.com/fernworks/loom/internal/httpserver"
	"github.com/fernworks/loom/internal/telemetry"
)

// bufferCapacity bounds each signal channel; a full channel surfaces 503 to
// the producer without dropping accepted records.
const bufferCapacity = 10_000

// Channels holds the bounded ingest buffers, one per signal type.
type Channels struct {
	Spans   chan SpanRecord
	Logs    chan LogRecord
	Metrics chan MetricRecord
}

// NewChannels creates the ingest buffers.
func NewChannels() *Channels {
	return &Channels{
		Spans:   make(chan SpanRecord, bufferCapacity),
		Logs:    make(chan LogRecord, bufferCapacity),
		Metrics: make(chan MetricRecord, bufferCapacity),
	}
}

// Ingest decodes OTLP protobuf bodies, extracts correlation envelopes, and
// feeds records into the buffers.
type Ingest struct {
	channels *Channels
	dbtx     db.DBTX
	logger   *slog.Logger
}

// NewIngest creates the OTLP ingest handlers.
func NewIngest(channels *Channels, dbtx db.DBTX, logger *slog.Logger) *Ingest {
	return &Ingest{channels: channels, dbtx: dbtx, logger: logger}
}

const protobufContentType = "application/x-protobuf"

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 8<<20))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "reading request body failed")
		return nil, false
	}
	return body, true
}

func respondProto(w http.ResponseWriter, msg proto.Message) {
	raw, err := proto.Marshal(msg)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", protobufContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// HandleTraces is POST /v1/traces.
func (in *Ingest) HandleTraces(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var req coltracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid protobuf: "+err.Error())
		return
	}

	for _, rs := range req.ResourceSpans {
		resourceAttrs := rs.GetResource().GetAttributes()
		for _, ss := range rs.ScopeSpans {
			for _, span := range ss.Spans {
				record := in.spanToRecord(r, span, resourceAttrs)
				select {
				case in.channels.Spans <- record:
					telemetry.IngestRecordsTotal.WithLabelValues("spans").Inc()
				default:
					telemetry.IngestRejectedTotal.WithLabelValues("spans").Inc()
					httpserver.RespondError(w, http.StatusServiceUnavailable, "ingest buffer full")
					return
				}
			}
		}
	}

	respondProto(w, &coltracepb.ExportTraceServiceResponse{})
}

// HandleLogs is POST /v1/logs.
func (in *Ingest) HandleLogs(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var req collogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid protobuf: "+err.Error())
		return
	}

	for _, rl := range req.ResourceLogs {
		resourceAttrs := rl.GetResource().GetAttributes()
		for _, sl := range rl.ScopeLogs {
			for _, log := range sl.LogRecords {
				record := in.logToRecord(r, log, resourceAttrs)
				select {
				case in.channels.Logs <- record:
					telemetry.IngestRecordsTotal.WithLabelValues("logs").Inc()
				default:
					telemetry.IngestRejectedTotal.WithLabelValues("logs").Inc()
					httpserver.RespondError(w, http.StatusServiceUnavailable, "ingest buffer full")
					return
				}
			}
		}
	}

	respondProto(w, &collogspb.ExportLogsServiceResponse{})
}

// HandleMetrics is POST /v1/metrics.
func (in *Ingest) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var req colmetricspb.ExportMetricsServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid protobuf: "+err.Error())
		return
	}

	for _, rm := range req.ResourceMetrics {
		resourceAttrs := rm.GetResource().GetAttributes()
		env := ExtractEnvelope(resourceAttrs, nil)
		if err := ResolveSession(r.Context(), in.dbtx, &env); err != nil {
			in.logger.Debug("resolving metric session", "error", err)
		}

		for _, sm := range rm.ScopeMetrics {
			for _, metric := range sm.Metrics {
				for _, record := range metricToRecords(metric, env) {
					select {
					case in.channels.Metrics <- record:
						telemetry.IngestRecordsTotal.WithLabelValues("metrics").Inc()
					default:
						telemetry.IngestRejectedTotal.WithLabelValues("metrics").Inc()
						httpserver.RespondError(w, http.StatusServiceUnavailable, "ingest buffer full")
						return
					}
				}
			}
		}
	}

	respondProto(w, &colmetricspb.ExportMetricsServiceResponse{})
}

func (in *Ingest) spanToRecord(r *http.Request, span *tracepb.Span, resourceAttrs []*commonpb.KeyValue) SpanRecord {
	env := ExtractEnvelope(resourceAttrs, span.Attributes)
	if err := ResolveSession(r.Context(), in.dbtx, &env); err != nil {
		in.logger.Debug("resolving span session", "error", err)
	}

	startedAt := nanosToTime(span.StartTimeUnixNano)
	var finishedAt *time.Time
	var durationMS *int32
	if span.EndTimeUnixNano > 0 {
		end := nanosToTime(span.EndTimeUnixNano)
		finishedAt = &end
		ms := int32(end.Sub(startedAt).Milliseconds())
		durationMS = &ms
	}

	var parent *string
	if len(span.ParentSpanId) > 0 {
		p := spanIDHex(span.ParentSpanId)
		parent = &p
	}

	var events json.RawMessage
	if len(span.Events) > 0 {
		type spanEvent struct {
			Name      string          `json:"name"`
			Timestamp time.Time       `json:"timestamp"`
			Attrs     json.RawMessage `json:"attributes,omitempty"`
		}
		evs := make([]spanEvent, 0, len(span.Events))
		for _, ev := range span.Events {
			evs = append(evs, spanEvent{
				Name:      ev.Name,
				Timestamp: nanosToTime(ev.TimeUnixNano),
				Attrs:     attrsToJSON(ev.Attributes),
			})
		}
		events, _ = json.Marshal(evs)
	}

	return SpanRecord{
		TraceID:      traceIDHex(span.TraceId),
		SpanID:       spanIDHex(span.SpanId),
		ParentSpanID: parent,
		Name:         span.Name,
		Service:      env.Service,
		Kind:         spanKindString(int32(span.Kind)),
		Status:       statusCodeString(int32(span.GetStatus().GetCode())),
		Attributes:   attrsToJSON(span.Attributes),
		Events:       events,
		DurationMS:   durationMS,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
		ProjectID:    env.ProjectID,
		SessionID:    env.SessionID,
		UserID:       env.UserID,
	}
}

func (in *Ingest) logToRecord(r *http.Request, log *logspb.LogRecord, resourceAttrs []*commonpb.KeyValue) LogRecord {
	env := ExtractEnvelope(resourceAttrs, log.Attributes)
	if err := ResolveSession(r.Context(), in.dbtx, &env); err != nil {
		in.logger.Debug("resolving log session", "error", err)
	}

	var traceID, spanID *string
	if len(log.TraceId) > 0 {
		t := traceIDHex(log.TraceId)
		traceID = &t
	}
	if len(log.SpanId) > 0 {
		s := spanIDHex(log.SpanId)
		spanID = &s
	}

	timestamp := time.Now().UTC()
	if log.TimeUnixNano > 0 {
		timestamp = nanosToTime(log.TimeUnixNano)
	}

	level := strings.ToLower(log.SeverityText)
	if level == "" {
		level = severityToLevel(int32(log.SeverityNumber))
	}

	message := anyValueString(log.Body)
	if message == "" && log.Body != nil {
		if raw, err := json.Marshal(anyValueJSON(log.Body)); err == nil {
			message = string(raw)
		}
	}

	return LogRecord{
		Timestamp:  timestamp,
		TraceID:    traceID,
		SpanID:     spanID,
		ProjectID:  env.ProjectID,
		SessionID:  env.SessionID,
		UserID:     env.UserID,
		Service:    env.Service,
		Level:      level,
		Message:    message,
		Attributes: attrsToJSON(log.Attributes),
	}
}

// metricToRecords flattens gauges, sums, and histograms into sample records.
func metricToRecords(metric *metricspb.Metric, env Envelope) []MetricRecord {
	var unit *string
	if metric.Unit != "" {
		unit = &metric.Unit
	}

	var records []MetricRecord
	switch data := metric.Data.(type) {
	case *metricspb.Metric_Gauge:
		for _, dp := range data.Gauge.DataPoints {
			if rec, ok := numberPoint(dp, metric.Name, "gauge", unit, env); ok {
				records = append(records, rec)
			}
		}
	case *metricspb.Metric_Sum:
		metricType := "gauge"
		if data.Sum.IsMonotonic {
			metricType = "counter"
		}
		for _, dp := range data.Sum.DataPoints {
			if rec, ok := numberPoint(dp, metric.Name, metricType, unit, env); ok {
				records = append(records, rec)
			}
		}
	case *metricspb.Metric_Histogram:
		for _, dp := range data.Histogram.DataPoints {
			if dp.Sum == nil {
				continue
			}
			records = append(records, MetricRecord{
				Name:       metric.Name,
				Labels:     labelsToJSON(dp.Attributes),
				MetricType: "histogram",
				Unit:       unit,
				ProjectID:  env.ProjectID,
				Timestamp:  nanosToTime(dp.TimeUnixNano),
				Value:      *dp.Sum,
			})
		}
	}
	return records
}

func numberPoint(dp *metricspb.NumberDataPoint, name, metricType string, unit *string, env Envelope) (MetricRecord, bool) {
	var value float64
	switch v := dp.Value.(type) {
	case *metricspb.NumberDataPoint_AsDouble:
		value = v.AsDouble
	case *metricspb.NumberDataPoint_AsInt:
		value = float64(v.AsInt)
	default:
		return MetricRecord{}, false
	}

	return MetricRecord{
		Name:       name,
		Labels:     labelsToJSON(dp.Attributes),
		MetricType: metricType,
		Unit:       unit,
		ProjectID:  env.ProjectID,
		Timestamp:  nanosToTime(dp.TimeUnixNano),
		Value:      value,
	}, true
}
