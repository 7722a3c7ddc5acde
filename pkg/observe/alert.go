package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fernworks/loom/internal/telemetry"
)

const evaluateInterval = 30 * time.Second

// Alert conditions.
const (
	CondGT     = "gt"
	CondLT     = "lt"
	CondEQ     = "eq"
	CondAbsent = "absent"
)

// AlertQuery is the parsed form of the alert rule DSL:
// metric:<name> [labels:{json}] [agg:<avg|sum|max|min|count>] [window:<seconds>]
type AlertQuery struct {
	MetricName  string
	Labels      json.RawMessage
	Aggregation string
	WindowSecs  int
}

// ParseAlertQuery parses the DSL, applying the avg/300s defaults.
func ParseAlertQuery(query string) (AlertQuery, error) {
	if query == "" || len(query) > 1000 {
		return AlertQuery{}, fmt.Errorf("query must be between 1 and 1000 characters")
	}

	q := AlertQuery{Aggregation: "avg", WindowSecs: 300}
	for _, part := range strings.Fields(query) {
		switch {
		case strings.HasPrefix(part, "metric:"):
			name := strings.TrimPrefix(part, "metric:")
			if name == "" || len(name) > 255 {
				return AlertQuery{}, fmt.Errorf("metric name must be between 1 and 255 characters")
			}
			q.MetricName = name
		case strings.HasPrefix(part, "labels:"):
			raw := strings.TrimPrefix(part, "labels:")
			if !json.Valid([]byte(raw)) {
				return AlertQuery{}, fmt.Errorf("invalid labels JSON in query")
			}
			q.Labels = json.RawMessage(raw)
		case strings.HasPrefix(part, "agg:"):
			agg := strings.TrimPrefix(part, "agg:")
			switch agg {
			case "avg", "sum", "max", "min", "count":
				q.Aggregation = agg
			default:
				return AlertQuery{}, fmt.Errorf("unknown aggregation: %s", agg)
			}
		case strings.HasPrefix(part, "window:"):
			w, err := strconv.Atoi(strings.TrimPrefix(part, "window:"))
			if err != nil {
				return AlertQuery{}, fmt.Errorf("window must be an integer (seconds)")
			}
			if w < 10 || w > 86400 {
				return AlertQuery{}, fmt.Errorf("window must be between 10 and 86400 seconds")
			}
			q.WindowSecs = w
		}
	}

	if q.MetricName == "" {
		return AlertQuery{}, fmt.Errorf("query must include metric:<name>")
	}
	return q, nil
}

// CheckCondition evaluates a condition against an optional metric value.
func CheckCondition(condition string, threshold *float64, value *float64) bool {
	switch condition {
	case CondAbsent:
		return value == nil
	case CondGT:
		return value != nil && threshold != nil && *value > *threshold
	case CondLT:
		return value != nil && threshold != nil && *value < *threshold
	case CondEQ:
		return value != nil && threshold != nil && math.Abs(*value-*threshold) < 1e-9
	default:
		return false
	}
}

// AlertRule is an alert_rules row.
type AlertRule struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	Description    *string    `json:"description,omitempty"`
	Query          string     `json:"query"`
	Condition      string     `json:"condition"`
	Threshold      *float64   `json:"threshold,omitempty"`
	ForSeconds     int32      `json:"for_seconds"`
	Severity       string     `json:"severity"`
	NotifyChannels []string   `json:"notify_channels"`
	ProjectID      *uuid.UUID `json:"project_id,omitempty"`
	CreatedBy      uuid.UUID  `json:"created_by"`
	Enabled        bool       `json:"enabled"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AlertEvent is an alert_events row.
type AlertEvent struct {
	ID         uuid.UUID  `json:"id"`
	RuleID     uuid.UUID  `json:"rule_id"`
	Status     string     `json:"status"`
	Value      *float64   `json:"value,omitempty"`
	Message    *string    `json:"message,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// AlertNotifier dispatches notifications when a rule fires. Implemented by
// the notify package.
type AlertNotifier interface {
	OnAlertFiring(ctx context.Context, rule AlertRule, value *float64)
}

// ruleState is the evaluator's process-local hysteresis entry.
type ruleState struct {
	firstTriggered *time.Time
	firing         bool
}

// Evaluator periodically evaluates enabled alert rules against the metric
// store and maintains the firing/resolved state machine.
type Evaluator struct {
	pool     *pgxpool.Pool
	notifier AlertNotifier
	logger   *slog.Logger

	states map[uuid.UUID]*ruleState
}

// NewEvaluator creates an alert evaluator.
func NewEvaluator(pool *pgxpool.Pool, notifier AlertNotifier, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		pool:     pool,
		notifier: notifier,
		logger:   logger,
		states:   make(map[uuid.UUID]*ruleState),
	}
}

// Run is the evaluator's background loop; it blocks until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	e.logger.Info("alert evaluator started", "interval", evaluateInterval)

	ticker := time.NewTicker(evaluateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("alert evaluator stopped")
			return
		case <-ticker.C:
			if err := e.EvaluateAll(ctx); err != nil {
				e.logger.Error("alert evaluation cycle failed", "error", err)
			}
		}
	}
}

// EvaluateAll runs one evaluation cycle over all enabled rules.
func (e *Evaluator) EvaluateAll(ctx context.Context) error {
	rules, err := e.enabledRules(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, rule := range rules {
		query, err := ParseAlertQuery(rule.Query)
		if err != nil {
			e.logger.Warn("invalid alert query, skipping rule", "rule_id", rule.ID, "error", err)
			continue
		}

		value, err := e.evaluateMetric(ctx, query)
		if err != nil {
			e.logger.Warn("metric evaluation failed", "rule_id", rule.ID, "error", err)
			continue
		}

		met := CheckCondition(rule.Condition, rule.Threshold, value)
		e.step(ctx, rule, met, value, now)
	}
	return nil
}

// step advances the rule's hysteresis state machine: the condition must hold
// for the rule's for_seconds before one firing event is inserted; clearing
// the condition resolves the open event.
func (e *Evaluator) step(ctx context.Context, rule AlertRule, conditionMet bool, value *float64, now time.Time) {
	state, ok := e.states[rule.ID]
	if !ok {
		state = &ruleState{}
		e.states[rule.ID] = state
	}

	if conditionMet {
		if state.firstTriggered == nil {
			state.firstTriggered = &now
		}
		held := now.Sub(*state.firstTriggered)
		if held >= time.Duration(rule.ForSeconds)*time.Second && !state.firing {
			state.firing = true
			if err := e.fire(ctx, rule, value); err != nil {
				e.logger.Error("inserting alert event", "rule_id", rule.ID, "error", err)
			}
		}
		return
	}

	if state.firing {
		if err := e.resolve(ctx, rule.ID); err != nil {
			e.logger.Error("resolving alert event", "rule_id", rule.ID, "error", err)
		}
	}
	state.firstTriggered = nil
	state.firing = false
}

func (e *Evaluator) enabledRules(ctx context.Context) ([]AlertRule, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT id, name, description, query, condition, threshold, for_seconds,
		       severity, notify_channels, project_id, created_by, enabled, created_at
		FROM alert_rules WHERE enabled = true`)
	if err != nil {
		return nil, fmt.Errorf("listing enabled alert rules: %w", err)
	}
	defer rows.Close()

	var rules []AlertRule
	for rows.Next() {
		var r AlertRule
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Query, &r.Condition, &r.Threshold,
			&r.ForSeconds, &r.Severity, &r.NotifyChannels, &r.ProjectID, &r.CreatedBy, &r.Enabled, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning alert rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// evaluateMetric runs the aggregate over the query's window. A nil result
// means no samples matched (the "absent" signal).
func (e *Evaluator) evaluateMetric(ctx context.Context, q AlertQuery) (*float64, error) {
	agg := map[string]string{
		"avg":   "AVG(ms.value)",
		"sum":   "SUM(ms.value)",
		"max":   "MAX(ms.value)",
		"min":   "MIN(ms.value)",
		"count": "COUNT(ms.value)::float8",
	}[q.Aggregation]

	interval := fmt.Sprintf("%d seconds", q.WindowSecs)

	var labels any
	if q.Labels != nil {
		labels = []byte(q.Labels)
	}

	var value *float64
	err := e.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM metric_samples ms
		JOIN metric_series ser ON ser.id = ms.series_id
		WHERE ser.name = $1
		  AND ($2::jsonb IS NULL OR ser.labels @> $2)
		  AND ms.timestamp > now() - $3::interval`, agg),
		q.MetricName, labels, interval).Scan(&value)
	if err != nil {
		return nil, fmt.Errorf("evaluating metric %q: %w", q.MetricName, err)
	}

	// COUNT yields zero rather than NULL when nothing matched; treat zero
	// count as absent.
	if q.Aggregation == "count" && value != nil && *value == 0 {
		return nil, nil
	}
	return value, nil
}

// fire inserts a firing event. At most one unresolved event exists per rule
// because the hysteresis state gates insertion.
func (e *Evaluator) fire(ctx context.Context, rule AlertRule, value *float64) error {
	_, err := e.pool.Exec(ctx, `
		INSERT INTO alert_events (id, rule_id, status, value, message)
		VALUES ($1, $2, 'firing', $3, 'Alert condition met')`,
		uuid.New(), rule.ID, value)
	if err != nil {
		return err
	}
	telemetry.AlertsFiredTotal.Inc()
	e.logger.Warn("alert firing", "rule_id", rule.ID, "rule", rule.Name)

	if e.notifier != nil {
		e.notifier.OnAlertFiring(ctx, rule, value)
	}
	return nil
}

// resolve closes the most recent firing event for the rule.
func (e *Evaluator) resolve(ctx context.Context, ruleID uuid.UUID) error {
	_, err := e.pool.Exec(ctx, `
		UPDATE alert_events SET status = 'resolved', resolved_at = now()
		WHERE rule_id = $1 AND status = 'firing' AND resolved_at IS NULL`, ruleID)
	if err != nil {
		return err
	}
	e.logger.Info("alert resolved", "rule_id", ruleID)
	return nil
}
