package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// SlackNotifier posts alert notifications to a Slack channel. With no bot
// token configured it is a no-op.
type SlackNotifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackNotifier creates a Slack notifier.
func NewSlackNotifier(botToken, channel string, logger *slog.Logger) *SlackNotifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackNotifier{client: client, channel: channel, logger: logger}
}

// Enabled reports whether the notifier has a client and target channel.
func (n *SlackNotifier) Enabled() bool {
	return n.client != nil && n.channel != ""
}

// PostAlert sends an alert message to the configured channel.
func (n *SlackNotifier) PostAlert(ctx context.Context, ruleName, severity string, value *float64) error {
	if !n.Enabled() {
		n.logger.Debug("slack notifier disabled, skipping alert post", "rule", ruleName)
		return nil
	}

	text := fmt.Sprintf(":rotating_light: [%s] alert firing: %s", severity, ruleName)
	if value != nil {
		text = fmt.Sprintf("%s (value %.4g)", text, *value)
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting alert to slack: %w", err)
	}
	n.logger.Info("posted alert to slack", "rule", ruleName, "channel", n.channel)
	return nil
}
