package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/fernworks/loom/internal/apperr"
	"github.com/fernworks/loom/internal/db"
)

// DelegationService creates and revokes time-bounded permission grants.
type DelegationService struct {
	store    *Store
	resolver *Resolver
	logger   *slog.Logger
}

// NewDelegationService creates a delegation service.
func NewDelegationService(dbtx db.DBTX, rdb *redis.Client, logger *slog.Logger) *DelegationService {
	return &DelegationService{
		store:    NewStore(dbtx),
		resolver: NewResolver(dbtx, rdb, logger),
		logger:   logger,
	}
}

// CreateDelegationParams holds parameters for creating a delegation.
type CreateDelegationParams struct {
	DelegatorID uuid.UUID
	DelegateID  uuid.UUID
	Permission  Permission
	ProjectID   *uuid.UUID
	ExpiresAt   *time.Time
	Reason      *string
}

// Create inserts a delegation after verifying the delegator currently holds
// the permission in scope — delegation never widens the delegator's own
// authority. The delegate's cached permissions are invalidated.
func (s *DelegationService) Create(ctx context.Context, p CreateDelegationParams) (DelegationRow, error) {
	held, err := s.resolver.HasPermission(ctx, p.DelegatorID, p.ProjectID, p.Permission)
	if err != nil {
		return DelegationRow{}, apperr.Internal(err)
	}
	if !held {
		return DelegationRow{}, apperr.Forbidden()
	}

	permID, err := s.store.PermissionID(ctx, p.Permission)
	if err != nil {
		return DelegationRow{}, apperr.Internal(err)
	}

	row, err := s.store.InsertDelegation(ctx, p.DelegatorID, p.DelegateID, permID, p.ProjectID, p.ExpiresAt, p.Reason)
	if err != nil {
		return DelegationRow{}, apperr.FromDB(err, "delegation")
	}

	if err := s.resolver.Invalidate(ctx, p.DelegateID, p.ProjectID); err != nil {
		s.logger.Warn("invalidating delegate permission cache", "delegate_id", p.DelegateID, "error", err)
	}

	s.logger.Info("delegation created",
		"delegator_id", p.DelegatorID,
		"delegate_id", p.DelegateID,
		"permission", p.Permission,
	)
	return row, nil
}

// Revoke sets revoked_at on an active delegation and invalidates the
// delegate's cached permissions. Revoking twice is a not-found error.
func (s *DelegationService) Revoke(ctx context.Context, id uuid.UUID) error {
	delegateID, projectID, err := s.store.RevokeDelegation(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("delegation")
		}
		return apperr.Internal(err)
	}

	if err := s.resolver.Invalidate(ctx, delegateID, projectID); err != nil {
		s.logger.Warn("invalidating delegate permission cache", "delegate_id", delegateID, "error", err)
	}

	s.logger.Info("delegation revoked", "delegation_id", id, "delegate_id", delegateID)
	return nil
}

// RevokeAllFor revokes every active delegation naming the user as delegate.
// Used by ephemeral identity cleanup.
func (s *DelegationService) RevokeAllFor(ctx context.Context, delegateID uuid.UUID) error {
	ids, err := s.store.ActiveDelegationIDs(ctx, delegateID)
	if err != nil {
		return fmt.Errorf("listing active delegations: %w", err)
	}
	for _, id := range ids {
		if err := s.Revoke(ctx, id); err != nil {
			s.logger.Warn("revoking delegation during cleanup", "delegation_id", id, "error", err)
		}
	}
	return nil
}

// List returns delegations granted by or to the given user.
func (s *DelegationService) List(ctx context.Context, userID uuid.UUID) ([]DelegationRow, error) {
	rows, err := s.store.ListDelegations(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return rows, nil
}
