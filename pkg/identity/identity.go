// Package identity manages users, authentication sessions, and API tokens.
package identity

import (
	"time"

	"github.com/google/uuid"
)

// Response is the user DTO returned by the API. Password hashes never leave
// the store layer.
type Response struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateRequest creates a user.
type CreateRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=64"`
	DisplayName string `json:"display_name" validate:"required,min=1,max=128"`
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8,max=128"`
}

// UpdateRequest patches a user.
type UpdateRequest struct {
	DisplayName *string `json:"display_name" validate:"omitempty,min=1,max=128"`
	Email       *string `json:"email" validate:"omitempty,email"`
	Password    *string `json:"password" validate:"omitempty,min=8,max=128"`
}

// LoginRequest authenticates a user by name and password.
type LoginRequest struct {
	Name     string `json:"name" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// TokenResponse is the API token DTO. Raw is set only at creation.
type TokenResponse struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Raw        string     `json:"token,omitempty"`
}

// CreateTokenRequest creates an API token.
type CreateTokenRequest struct {
	Name      string     `json:"name" validate:"required,min=1,max=128"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at"`
}
