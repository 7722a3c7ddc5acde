package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fernworks/loom/internal/auth"
	"github.com/fernworks/loom/internal/db"
	"github.com/fernworks/loom/pkg/identity"
	"github.com/fernworks/loom/pkg/rbac"
)

// identityTTL is the hard expiry on agent delegations and tokens.
const identityTTL = 24 * time.Hour

// Identity is the provisioned ephemeral agent identity. The raw token is
// shown exactly once, injected into the pod environment.
type Identity struct {
	UserID   uuid.UUID
	APIToken string
}

// IdentityService provisions and tears down ephemeral agent identities.
type IdentityService struct {
	users       *identity.Store
	roles       *rbac.Store
	delegations *rbac.DelegationService
	resolver    *rbac.Resolver
	logger      *slog.Logger
}

// NewIdentityService creates an identity service.
func NewIdentityService(dbtx db.DBTX, rdb *redis.Client, logger *slog.Logger) *IdentityService {
	return &IdentityService{
		users:       identity.NewStore(dbtx),
		roles:       rbac.NewStore(dbtx),
		delegations: rbac.NewDelegationService(dbtx, rdb, logger),
		resolver:    rbac.NewResolver(dbtx, rdb, logger),
		logger:      logger,
	}
}

// Provision creates an agent user with a random unusable password, assigns
// the agent role, delegates the base permission set plus extras from the
// requesting user (refusals are silently swallowed — the agent simply gets
// fewer capabilities), and issues a 24h API token scoped to agent:session.
func (s *IdentityService) Provision(ctx context.Context, sessionID, delegatorID, projectID uuid.UUID, extraPermissions []rbac.Permission) (Identity, error) {
	agentUserID := uuid.New()
	shortID := sessionID.String()[:8]
	agentName := "agent-" + shortID

	hash, err := auth.RandomUnusableHash()
	if err != nil {
		return Identity{}, fmt.Errorf("generating agent password hash: %w", err)
	}

	_, err = s.users.Create(ctx, identity.CreateUserParams{
		ID:           agentUserID,
		Name:         agentName,
		DisplayName:  "Agent Session " + shortID,
		Email:        agentName + "@agent.loom.local",
		PasswordHash: hash,
	})
	if err != nil {
		return Identity{}, fmt.Errorf("creating agent user: %w", err)
	}

	if err := s.roles.AssignRoleByName(ctx, agentUserID, "agent"); err != nil {
		return Identity{}, fmt.Errorf("assigning agent role: %w", err)
	}

	expiresAt := time.Now().Add(identityTTL)
	reason := "agent session " + sessionID.String()
	perms := append([]rbac.Permission{rbac.PermProjectRead, rbac.PermProjectWrite}, extraPermissions...)
	for _, perm := range perms {
		_, err := s.delegations.Create(ctx, rbac.CreateDelegationParams{
			DelegatorID: delegatorID,
			DelegateID:  agentUserID,
			Permission:  perm,
			ProjectID:   &projectID,
			ExpiresAt:   &expiresAt,
			Reason:      &reason,
		})
		if err != nil {
			s.logger.Debug("delegation skipped for agent", "permission", perm, "error", err)
		}
	}

	raw, tokenHash, err := auth.GenerateAPIToken()
	if err != nil {
		return Identity{}, fmt.Errorf("generating agent token: %w", err)
	}
	_, err = s.users.CreateToken(ctx, agentUserID, "agent-session-"+sessionID.String(), tokenHash, []string{"agent:session"}, &expiresAt)
	if err != nil {
		return Identity{}, fmt.Errorf("storing agent token: %w", err)
	}

	s.logger.Info("agent identity created", "agent_user_id", agentUserID, "session_id", sessionID)
	return Identity{UserID: agentUserID, APIToken: raw}, nil
}

// Cleanup tears an agent identity down: revokes its delegations, deletes
// its tokens and sessions, deactivates the user, and invalidates the
// permission cache. Called on every terminal session transition.
func (s *IdentityService) Cleanup(ctx context.Context, agentUserID uuid.UUID) error {
	if err := s.delegations.RevokeAllFor(ctx, agentUserID); err != nil {
		return fmt.Errorf("revoking agent delegations: %w", err)
	}
	if err := s.users.DeleteTokensForUser(ctx, agentUserID); err != nil {
		return fmt.Errorf("deleting agent tokens: %w", err)
	}
	if err := s.users.DeleteSessionsForUser(ctx, agentUserID); err != nil {
		return fmt.Errorf("deleting agent auth sessions: %w", err)
	}
	if err := s.users.Deactivate(ctx, agentUserID); err != nil {
		return fmt.Errorf("deactivating agent user: %w", err)
	}
	if err := s.resolver.Invalidate(ctx, agentUserID, nil); err != nil {
		s.logger.Warn("invalidating agent permission cache", "agent_user_id", agentUserID, "error", err)
	}

	s.logger.Info("agent identity cleaned up", "agent_user_id", agentUserID)
	return nil
}
