// Package webhook manages outbound webhook subscriptions and the signed
// delivery fanout.
package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fernworks/loom/internal/db"
)

// Subscription is a webhooks row: a URL subscribed to a project's events.
type Subscription struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Store provides database operations for webhook subscriptions and
// deliveries.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a webhook Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const subscriptionColumns = `id, project_id, url, secret, events, is_active, created_at`

func scanSubscription(row pgx.Row) (Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.ProjectID, &s.URL, &s.Secret, &s.Events, &s.IsActive, &s.CreatedAt)
	return s, err
}

// Create inserts a subscription.
func (s *Store) Create(ctx context.Context, projectID uuid.UUID, url, secret string, events []string) (Subscription, error) {
	if events == nil {
		events = []string{}
	}
	return scanSubscription(s.dbtx.QueryRow(ctx, `
		INSERT INTO webhooks (id, project_id, url, secret, events, is_active)
		VALUES ($1, $2, $3, $4, $5, true)
		RETURNING `+subscriptionColumns,
		uuid.New(), projectID, url, secret, events))
}

// Get returns a subscription by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Subscription, error) {
	return scanSubscription(s.dbtx.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM webhooks WHERE id = $1`, id))
}

// ListForProject returns the project's subscriptions.
func (s *Store) ListForProject(ctx context.Context, projectID uuid.UUID) ([]Subscription, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM webhooks
		WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// ActiveForEvent returns active subscriptions matching a project event.
func (s *Store) ActiveForEvent(ctx context.Context, projectID uuid.UUID, event string) ([]Subscription, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM webhooks
		WHERE project_id = $1 AND is_active = true AND $2 = ANY(events)`, projectID, event)
	if err != nil {
		return nil, fmt.Errorf("listing webhooks for event: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func collectSubscriptions(rows pgx.Rows) ([]Subscription, error) {
	var items []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.ID, &sub.ProjectID, &sub.URL, &sub.Secret, &sub.Events, &sub.IsActive, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning webhook row: %w", err)
		}
		items = append(items, sub)
	}
	return items, rows.Err()
}

// Delete removes a subscription.
func (s *Store) Delete(ctx context.Context, projectID, id uuid.UUID) (bool, error) {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM webhooks WHERE id = $1 AND project_id = $2`, id, projectID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RecordDelivery writes a delivery attempt outcome.
func (s *Store) RecordDelivery(ctx context.Context, webhookID uuid.UUID, event string, statusCode int, success bool, errMsg *string) {
	_, _ = s.dbtx.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, event, status_code, success, error)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), webhookID, event, statusCode, success, errMsg)
}
