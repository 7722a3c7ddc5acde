package identity

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fernworks/loom/internal/apperr"
	"github.com/fernworks/loom/internal/auth"
	"github.com/fernworks/loom/internal/db"
)

// sessionTTL is the lifetime of a login session cookie.
const sessionTTL = 24 * time.Hour

// Service encapsulates user and credential business logic.
type Service struct {
	store  *Store
	logger *slog.Logger
}

// NewService creates an identity Service backed by the given database
// connection.
func NewService(dbtx db.DBTX, logger *slog.Logger) *Service {
	return &Service{store: NewStore(dbtx), logger: logger}
}

// Store exposes the underlying store for auth middleware wiring.
func (s *Service) Store() *Store { return s.store }

// List returns users with the total count.
func (s *Service) List(ctx context.Context, limit, offset int) ([]Response, int64, error) {
	rows, total, err := s.store.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, apperr.Internal(err)
	}
	items := make([]Response, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].ToResponse())
	}
	return items, total, nil
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Response, error) {
	row, err := s.store.Get(ctx, id)
	if err != nil {
		return Response{}, apperr.FromDB(err, "user")
	}
	return row.ToResponse(), nil
}

// Create creates a user with a bcrypt password hash.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Response, error) {
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return Response{}, apperr.Internal(err)
	}
	row, err := s.store.Create(ctx, CreateUserParams{
		ID:           uuid.New(),
		Name:         req.Name,
		DisplayName:  req.DisplayName,
		Email:        req.Email,
		PasswordHash: hash,
	})
	if err != nil {
		return Response{}, apperr.FromDB(err, "user")
	}
	s.logger.Info("user created", "user_id", row.ID, "name", row.Name)
	return row.ToResponse(), nil
}

// Update patches a user, rehashing the password when supplied.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (Response, error) {
	params := UpdateUserParams{DisplayName: req.DisplayName, Email: req.Email}
	if req.Password != nil {
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			return Response{}, apperr.Internal(err)
		}
		params.PasswordHash = &hash
	}
	row, err := s.store.Update(ctx, id, params)
	if err != nil {
		return Response{}, apperr.FromDB(err, "user")
	}
	return row.ToResponse(), nil
}

// Deactivate soft-deletes a user and drops their sessions and tokens so no
// credential referencing them keeps working.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Deactivate(ctx, id); err != nil {
		return apperr.FromDB(err, "user")
	}
	if err := s.store.DeleteSessionsForUser(ctx, id); err != nil {
		s.logger.Warn("deleting sessions for deactivated user", "user_id", id, "error", err)
	}
	if err := s.store.DeleteTokensForUser(ctx, id); err != nil {
		s.logger.Warn("deleting tokens for deactivated user", "user_id", id, "error", err)
	}
	s.logger.Info("user deactivated", "user_id", id)
	return nil
}

// Login verifies credentials and issues a session token. The raw cookie
// value is returned; only its hash is stored.
func (s *Service) Login(ctx context.Context, req LoginRequest) (Response, string, error) {
	user, err := s.store.GetByName(ctx, req.Name)
	if err != nil {
		return Response{}, "", apperr.Unauthorized()
	}
	if !user.IsActive || !auth.CheckPassword(user.PasswordHash, req.Password) {
		return Response{}, "", apperr.Unauthorized()
	}

	raw, hash, err := auth.GenerateSessionToken()
	if err != nil {
		return Response{}, "", apperr.Internal(err)
	}
	if err := s.store.CreateSession(ctx, user.ID, hash, time.Now().Add(sessionTTL)); err != nil {
		return Response{}, "", apperr.Internal(err)
	}

	s.logger.Info("user logged in", "user_id", user.ID, "name", user.Name)
	return user.ToResponse(), raw, nil
}

// Logout deletes the auth session for the given raw cookie value.
func (s *Service) Logout(ctx context.Context, rawSessionToken string) error {
	if err := s.store.DeleteSessionByHash(ctx, auth.HashToken(rawSessionToken)); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// CreateToken issues a new API token for the user.
func (s *Service) CreateToken(ctx context.Context, userID uuid.UUID, req CreateTokenRequest) (TokenResponse, error) {
	raw, hash, err := auth.GenerateAPIToken()
	if err != nil {
		return TokenResponse{}, apperr.Internal(err)
	}
	row, err := s.store.CreateToken(ctx, userID, req.Name, hash, req.Scopes, req.ExpiresAt)
	if err != nil {
		return TokenResponse{}, apperr.FromDB(err, "api token")
	}
	return TokenResponse{
		ID:        row.ID,
		Name:      row.Name,
		Scopes:    row.Scopes,
		ExpiresAt: row.ExpiresAt,
		CreatedAt: row.CreatedAt,
		Raw:       raw,
	}, nil
}

// ListTokens returns the user's API token metadata (never raw values or
// hashes).
func (s *Service) ListTokens(ctx context.Context, userID uuid.UUID) ([]TokenResponse, error) {
	rows, err := s.store.ListTokens(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	items := make([]TokenResponse, 0, len(rows))
	for _, t := range rows {
		items = append(items, TokenResponse{
			ID:         t.ID,
			Name:       t.Name,
			Scopes:     t.Scopes,
			ExpiresAt:  t.ExpiresAt,
			CreatedAt:  t.CreatedAt,
			LastUsedAt: t.LastUsedAt,
		})
	}
	return items, nil
}

// RevokeToken deletes one of the user's API tokens.
func (s *Service) RevokeToken(ctx context.Context, userID, tokenID uuid.UUID) error {
	ok, err := s.store.RevokeToken(ctx, userID, tokenID)
	if err != nil {
		return apperr.Internal(err)
	}
	if !ok {
		return apperr.NotFound("api token")
	}
	return nil
}
