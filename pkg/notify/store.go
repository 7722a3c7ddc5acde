package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/fernworks/loom/internal/db"
)

// Store provides database operations for notifications.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a notify Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// Insert writes a pending notification row and returns its id.
func (s *Store) Insert(ctx context.Context, n New) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO notifications (id, user_id, notification_type, subject, body, channel, status, ref_type, ref_id)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8)`,
		id, n.UserID, n.Type, n.Subject, n.Body, n.Channel, n.RefType, n.RefID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting notification: %w", err)
	}
	return id, nil
}

// SetStatus records the delivery outcome.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE notifications SET status = $2 WHERE id = $1`, id, status)
	return err
}

// ListForUser returns the user's notifications, newest first.
func (s *Store) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Notification, int64, error) {
	var total int64
	if err := s.dbtx.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.dbtx.Query(ctx, `
		SELECT id, user_id, notification_type, subject, body, channel, status, ref_type, ref_id, read_at, created_at
		FROM notifications WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing notifications: %w", err)
	}
	defer rows.Close()

	var items []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Subject, &n.Body, &n.Channel,
			&n.Status, &n.RefType, &n.RefID, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning notification row: %w", err)
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

// MarkRead stamps a notification as read by its owner.
func (s *Store) MarkRead(ctx context.Context, userID, id uuid.UUID) (bool, error) {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE notifications SET read_at = now()
		WHERE id = $1 AND user_id = $2 AND read_at IS NULL`, id, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UserEmail looks up a user's email for email delivery.
func (s *Store) UserEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	var email string
	err := s.dbtx.QueryRow(ctx, `SELECT email FROM users WHERE id = $1 AND is_active = true`, userID).Scan(&email)
	return email, err
}

// ProjectOwner looks up the owner of an active project.
func (s *Store) ProjectOwner(ctx context.Context, projectID uuid.UUID) (uuid.UUID, error) {
	var ownerID uuid.UUID
	err := s.dbtx.QueryRow(ctx, `SELECT owner_id FROM projects WHERE id = $1 AND is_active = true`, projectID).Scan(&ownerID)
	return ownerID, err
}
