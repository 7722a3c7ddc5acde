package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/fernworks/loom/internal/db"
	"github.com/fernworks/loom/internal/telemetry"
)

const (
	// maxInFlight caps concurrent outbound deliveries.
	maxInFlight     = 50
	deliveryTimeout = 10 * time.Second

	signatureHeader = "X-Loom-Signature-256"
	eventHeader     = "X-Loom-Event"
)

// Fanout delivers signed event payloads to subscribed endpoints with
// bounded concurrency and an SSRF blocklist.
type Fanout struct {
	store  *Store
	client *http.Client
	sem    chan struct{}
	logger *slog.Logger
}

// NewFanout creates the webhook fanout.
func NewFanout(dbtx db.DBTX, logger *slog.Logger) *Fanout {
	return &Fanout{
		store:  NewStore(dbtx),
		client: &http.Client{Timeout: deliveryTimeout},
		sem:    make(chan struct{}, maxInFlight),
		logger: logger,
	}
}

// Store exposes the subscription store for the HTTP handler.
func (f *Fanout) Store() *Store { return f.store }

// Fire delivers the event payload to every active matching subscription.
// Delivery runs asynchronously under the concurrency permit; failures are
// recorded per delivery and never propagate to the caller.
func (f *Fanout) Fire(ctx context.Context, projectID uuid.UUID, event string, payload map[string]any) {
	subs, err := f.store.ActiveForEvent(ctx, projectID, event)
	if err != nil {
		f.logger.Error("listing webhook subscriptions", "project_id", projectID, "event", event, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		f.logger.Error("encoding webhook payload", "event", event, "error", err)
		return
	}

	for _, sub := range subs {
		go func() {
			f.sem <- struct{}{}
			defer func() { <-f.sem }()
			f.deliver(context.WithoutCancel(ctx), sub, event, body)
		}()
	}
}

// Deliver sends one payload synchronously, for the test-delivery endpoint.
func (f *Fanout) Deliver(ctx context.Context, sub Subscription, event string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return f.deliver(ctx, sub, event, body)
}

func (f *Fanout) deliver(ctx context.Context, sub Subscription, event string, body []byte) error {
	if err := checkDeliveryURL(sub.URL); err != nil {
		msg := err.Error()
		f.store.RecordDelivery(ctx, sub.ID, event, 0, false, &msg)
		telemetry.WebhookDeliveriesTotal.WithLabelValues("blocked").Inc()
		f.logger.Warn("webhook delivery blocked", "webhook_id", sub.ID, "error", err)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventHeader, event)
	req.Header.Set(signatureHeader, Sign(sub.Secret, body))

	resp, err := f.client.Do(req)
	if err != nil {
		msg := err.Error()
		f.store.RecordDelivery(ctx, sub.ID, event, 0, false, &msg)
		telemetry.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		f.logger.Warn("webhook delivery failed", "webhook_id", sub.ID, "error", err)
		return err
	}
	defer resp.Body.Close()

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	f.store.RecordDelivery(ctx, sub.ID, event, resp.StatusCode, success, nil)
	if success {
		telemetry.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		return nil
	}
	telemetry.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
	return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
}

// Sign computes the hex HMAC-SHA256 of the payload under the subscription
// secret, in the "sha256=<hex>" form.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// checkDeliveryURL rejects non-HTTP schemes and endpoints resolving to
// loopback, private, or link-local addresses.
func checkDeliveryURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL scheme %q not allowed", u.Scheme)
	}

	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return fmt.Errorf("webhook host %q not allowed", host)
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolving webhook host %q: %w", host, err)
	}
	for _, ip := range ips {
		if blockedIP(ip) {
			return fmt.Errorf("webhook host %q resolves to a blocked address", host)
		}
	}
	return nil
}

func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
