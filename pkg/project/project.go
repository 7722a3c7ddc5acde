// Package project manages projects: ownership, visibility, repo binding,
// and the per-project issue/MR number sequences.
package project

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Visibility levels.
const (
	VisibilityPrivate  = "private"
	VisibilityInternal = "internal"
	VisibilityPublic   = "public"
)

// Response is the project DTO returned by the API.
type Response struct {
	ID            uuid.UUID `json:"id"`
	OwnerID       uuid.UUID `json:"owner_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Visibility    string    `json:"visibility"`
	DefaultBranch string    `json:"default_branch"`
	RepoPath      string    `json:"repo_path"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreateRequest creates a project.
type CreateRequest struct {
	Name          string `json:"name" validate:"required,min=1,max=100"`
	Description   string `json:"description" validate:"max=2000"`
	Visibility    string `json:"visibility" validate:"omitempty,oneof=private internal public"`
	DefaultBranch string `json:"default_branch" validate:"omitempty,max=255"`
}

// UpdateRequest patches a project.
type UpdateRequest struct {
	Description   *string `json:"description" validate:"omitempty,max=2000"`
	Visibility    *string `json:"visibility" validate:"omitempty,oneof=private internal public"`
	DefaultBranch *string `json:"default_branch" validate:"omitempty,max=255"`
}

// Slug converts a name into a DNS-label-safe identifier: lowercase
// alphanumerics with single dashes, trimmed of leading and trailing dashes.
func Slug(name string) string {
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
