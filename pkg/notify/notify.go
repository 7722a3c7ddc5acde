// Package notify dispatches domain-event notifications across the in-app,
// email, slack, and webhook channels.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// Channels.
const (
	ChannelInApp   = "in_app"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
	ChannelSlack   = "slack"
)

// Statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Notification is a notifications row.
type Notification struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	Type      string     `json:"type"`
	Subject   string     `json:"subject"`
	Body      *string    `json:"body,omitempty"`
	Channel   string     `json:"channel"`
	Status    string     `json:"status"`
	RefType   *string    `json:"ref_type,omitempty"`
	RefID     *uuid.UUID `json:"ref_id,omitempty"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// New describes a notification to dispatch.
type New struct {
	UserID  uuid.UUID
	Type    string
	Subject string
	Body    *string
	Channel string
	RefType *string
	RefID   *uuid.UUID
}
