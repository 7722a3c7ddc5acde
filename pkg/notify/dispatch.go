package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fernworks/loom/internal/apperr"
	"github.com/fernworks/loom/internal/auth"
	"github.com/fernworks/loom/internal/db"
	"github.com/fernworks/loom/internal/telemetry"
	"github.com/fernworks/loom/pkg/observe"
)

// Per-user notification budget.
const (
	rateLimitMax    = 100
	rateLimitWindow = time.Hour
)

// Dispatcher inserts notification rows and routes them through their
// channel.
type Dispatcher struct {
	store   *Store
	limiter *auth.RateLimiter
	email   *EmailSender
	slack   *SlackNotifier
	logger  *slog.Logger
}

// NewDispatcher creates a notification dispatcher.
func NewDispatcher(dbtx db.DBTX, rdb *redis.Client, email *EmailSender, slack *SlackNotifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   NewStore(dbtx),
		limiter: auth.NewRateLimiter(rdb),
		email:   email,
		slack:   slack,
		logger:  logger,
	}
}

// Store exposes the notification store for the HTTP handler.
func (d *Dispatcher) Store() *Store { return d.store }

// Dispatch inserts the notification and delivers it. Email is attempted
// synchronously with one retry; in-app and webhook rows are sent
// immediately (the UI polls, the webhook fanout runs separately).
func (d *Dispatcher) Dispatch(ctx context.Context, n New) error {
	allowed, err := d.limiter.Allow(ctx, "notify", n.UserID.String(), rateLimitMax, rateLimitWindow)
	if err != nil {
		d.logger.Warn("notification rate limit check failed", "user_id", n.UserID, "error", err)
	} else if !allowed {
		return apperr.TooManyRequests()
	}

	id, err := d.store.Insert(ctx, n)
	if err != nil {
		return apperr.Internal(err)
	}

	status := StatusSent
	if n.Channel == ChannelEmail {
		if err := d.sendEmail(ctx, n); err != nil {
			d.logger.Error("email notification failed", "notification_id", id, "error", err)
			status = StatusFailed
		}
	}

	if err := d.store.SetStatus(ctx, id, status); err != nil {
		d.logger.Warn("updating notification status", "notification_id", id, "error", err)
	}
	telemetry.NotificationsTotal.WithLabelValues(n.Channel, status).Inc()
	return nil
}

func (d *Dispatcher) sendEmail(ctx context.Context, n New) error {
	email, err := d.store.UserEmail(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("looking up recipient: %w", err)
	}
	body := ""
	if n.Body != nil {
		body = *n.Body
	}
	return d.email.Send(email, n.Subject, body)
}

// --- Domain transition helpers ---

// OnBuildComplete notifies the project owner when a build fails.
func (d *Dispatcher) OnBuildComplete(ctx context.Context, projectID, pipelineID uuid.UUID, status string) {
	if status != "failure" {
		return
	}
	owner, err := d.store.ProjectOwner(ctx, projectID)
	if err != nil {
		return
	}
	body := fmt.Sprintf("A build in project %s has failed.", projectID)
	refType := "pipeline"
	if err := d.Dispatch(ctx, New{
		UserID: owner, Type: "build_failed", Subject: "Build failed",
		Body: &body, Channel: ChannelInApp, RefType: &refType, RefID: &pipelineID,
	}); err != nil {
		d.logger.Debug("build notification skipped", "error", err)
	}
}

// OnDeployStatus notifies the project owner when a deploy completes.
func (d *Dispatcher) OnDeployStatus(ctx context.Context, projectID uuid.UUID, action string) {
	owner, err := d.store.ProjectOwner(ctx, projectID)
	if err != nil {
		return
	}
	body := fmt.Sprintf("A deployment in project %s completed: %s.", projectID, action)
	refType := "deployment"
	if err := d.Dispatch(ctx, New{
		UserID: owner, Type: "deploy_status", Subject: "Deployment " + action,
		Body: &body, Channel: ChannelInApp, RefType: &refType,
	}); err != nil {
		d.logger.Debug("deploy notification skipped", "error", err)
	}
}

// OnAgentFinished notifies the session's user on terminal agent status.
func (d *Dispatcher) OnAgentFinished(ctx context.Context, userID, sessionID uuid.UUID, status string) {
	body := fmt.Sprintf("Agent session %s finished with status %s.", sessionID, status)
	refType := "session"
	if err := d.Dispatch(ctx, New{
		UserID: userID, Type: "agent_" + status, Subject: "Agent session " + status,
		Body: &body, Channel: ChannelInApp, RefType: &refType, RefID: &sessionID,
	}); err != nil {
		d.logger.Debug("agent notification skipped", "error", err)
	}
}

// OnAlertFiring implements observe.AlertNotifier: in-app to the rule's
// creator, plus the slack channel when the rule lists it.
func (d *Dispatcher) OnAlertFiring(ctx context.Context, rule observe.AlertRule, value *float64) {
	body := fmt.Sprintf("Alert rule %q is firing.", rule.Name)
	if value != nil {
		body = fmt.Sprintf("Alert rule %q is firing (value %.4g).", rule.Name, *value)
	}
	refType := "alert"
	if err := d.Dispatch(ctx, New{
		UserID: rule.CreatedBy, Type: "alert_firing", Subject: "Alert firing: " + rule.Name,
		Body: &body, Channel: ChannelInApp, RefType: &refType, RefID: &rule.ID,
	}); err != nil {
		d.logger.Debug("alert notification skipped", "error", err)
	}

	for _, channel := range rule.NotifyChannels {
		switch channel {
		case ChannelSlack:
			if err := d.slack.PostAlert(ctx, rule.Name, rule.Severity, value); err != nil {
				d.logger.Error("slack alert notification failed", "rule_id", rule.ID, "error", err)
			}
		case ChannelEmail:
			if err := d.Dispatch(ctx, New{
				UserID: rule.CreatedBy, Type: "alert_firing", Subject: "Alert firing: " + rule.Name,
				Body: &body, Channel: ChannelEmail, RefType: &refType, RefID: &rule.ID,
			}); err != nil {
				d.logger.Debug("alert email skipped", "error", err)
			}
		}
	}
}
