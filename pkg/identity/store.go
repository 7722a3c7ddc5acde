package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fernworks/loom/internal/auth"
	"github.com/fernworks/loom/internal/db"
)

// Store provides database operations for users, auth sessions, and API
// tokens.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates an identity Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const userColumns = `id, name, display_name, email, password_hash, is_active, created_at`

// UserRow represents a row from the users table.
type UserRow struct {
	ID           uuid.UUID
	Name         string
	DisplayName  string
	Email        string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
}

// ToResponse converts a UserRow to the API DTO.
func (u *UserRow) ToResponse() Response {
	return Response{
		ID:          u.ID,
		Name:        u.Name,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		IsActive:    u.IsActive,
		CreatedAt:   u.CreatedAt,
	}
}

func scanUserRow(row pgx.Row) (UserRow, error) {
	var u UserRow
	err := row.Scan(&u.ID, &u.Name, &u.DisplayName, &u.Email, &u.PasswordHash, &u.IsActive, &u.CreatedAt)
	return u, err
}

// Get returns a user by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (UserRow, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUserRow(row)
}

// GetByName returns a user by unique name.
func (s *Store) GetByName(ctx context.Context, name string) (UserRow, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE name = $1`, name)
	return scanUserRow(row)
}

// List returns users ordered by name with the total count.
func (s *Store) List(ctx context.Context, limit, offset int) ([]UserRow, int64, error) {
	var total int64
	if err := s.dbtx.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting users: %w", err)
	}

	rows, err := s.dbtx.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var items []UserRow
	for rows.Next() {
		var u UserRow
		if err := rows.Scan(&u.ID, &u.Name, &u.DisplayName, &u.Email, &u.PasswordHash, &u.IsActive, &u.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning user row: %w", err)
		}
		items = append(items, u)
	}
	return items, total, rows.Err()
}

// CreateUserParams holds parameters for inserting a user.
type CreateUserParams struct {
	ID           uuid.UUID
	Name         string
	DisplayName  string
	Email        string
	PasswordHash string
}

// Create inserts a new active user.
func (s *Store) Create(ctx context.Context, p CreateUserParams) (UserRow, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO users (id, name, display_name, email, password_hash, is_active)
		VALUES ($1, $2, $3, $4, $5, true)
		RETURNING `+userColumns,
		p.ID, p.Name, p.DisplayName, p.Email, p.PasswordHash)
	return scanUserRow(row)
}

// UpdateUserParams holds optional fields for patching a user.
type UpdateUserParams struct {
	DisplayName  *string
	Email        *string
	PasswordHash *string
}

// Update patches the non-nil fields of a user.
func (s *Store) Update(ctx context.Context, id uuid.UUID, p UpdateUserParams) (UserRow, error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE users SET
			display_name = COALESCE($2, display_name),
			email = COALESCE($3, email),
			password_hash = COALESCE($4, password_hash)
		WHERE id = $1
		RETURNING `+userColumns,
		id, p.DisplayName, p.Email, p.PasswordHash)
	return scanUserRow(row)
}

// Deactivate soft-deletes a user. Sessions and tokens referencing the user
// fail authentication from this point on.
func (s *Store) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE users SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// --- Auth sessions ---

// CreateSession inserts an auth session row for the user.
func (s *Store) CreateSession(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO auth_sessions (id, user_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)`,
		uuid.New(), userID, tokenHash, expiresAt)
	return err
}

// DeleteSessionByHash removes an auth session (logout).
func (s *Store) DeleteSessionByHash(ctx context.Context, tokenHash string) error {
	_, err := s.dbtx.Exec(ctx, `DELETE FROM auth_sessions WHERE token_hash = $1`, tokenHash)
	return err
}

// DeleteSessionsForUser removes all auth sessions for a user.
func (s *Store) DeleteSessionsForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `DELETE FROM auth_sessions WHERE user_id = $1`, userID)
	return err
}

// --- API tokens ---

// TokenRow represents a row from the api_tokens table.
type TokenRow struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Name       string
	Scopes     []string
	ExpiresAt  *time.Time
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// CreateToken inserts an API token row holding only the hash.
func (s *Store) CreateToken(ctx context.Context, userID uuid.UUID, name, tokenHash string, scopes []string, expiresAt *time.Time) (TokenRow, error) {
	if scopes == nil {
		scopes = []string{}
	}
	var t TokenRow
	err := s.dbtx.QueryRow(ctx, `
		INSERT INTO api_tokens (id, user_id, name, token_hash, scopes, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, user_id, name, scopes, expires_at, created_at, last_used_at`,
		uuid.New(), userID, name, tokenHash, scopes, expiresAt).
		Scan(&t.ID, &t.UserID, &t.Name, &t.Scopes, &t.ExpiresAt, &t.CreatedAt, &t.LastUsedAt)
	return t, err
}

// ListTokens returns the user's API tokens, newest first.
func (s *Store) ListTokens(ctx context.Context, userID uuid.UUID) ([]TokenRow, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT id, user_id, name, scopes, expires_at, created_at, last_used_at
		FROM api_tokens WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing api tokens: %w", err)
	}
	defer rows.Close()

	var items []TokenRow
	for rows.Next() {
		var t TokenRow
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.Scopes, &t.ExpiresAt, &t.CreatedAt, &t.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scanning token row: %w", err)
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// RevokeToken deletes an API token owned by the user.
func (s *Store) RevokeToken(ctx context.Context, userID, tokenID uuid.UUID) (bool, error) {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM api_tokens WHERE id = $1 AND user_id = $2`, tokenID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteTokensForUser removes all API tokens for a user (identity cleanup).
func (s *Store) DeleteTokensForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `DELETE FROM api_tokens WHERE user_id = $1`, userID)
	return err
}

// --- CredentialStore implementation (auth middleware) ---

// UserByAPITokenHash resolves an API token hash to its user and scopes.
func (s *Store) UserByAPITokenHash(ctx context.Context, tokenHash string) (*auth.AuthenticatedUser, error) {
	var u auth.AuthenticatedUser
	var tokenID uuid.UUID
	err := s.dbtx.QueryRow(ctx, `
		SELECT t.id, u.id, u.name, u.email, u.is_active, t.scopes, t.expires_at
		FROM api_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = $1`, tokenHash).
		Scan(&tokenID, &u.UserID, &u.Name, &u.Email, &u.IsActive, &u.TokenScopes, &u.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("looking up api token: %w", err)
	}
	if u.TokenScopes == nil {
		u.TokenScopes = []string{}
	}

	// Best-effort last-used stamp.
	_, _ = s.dbtx.Exec(ctx, `UPDATE api_tokens SET last_used_at = now() WHERE id = $1`, tokenID)

	return &u, nil
}

// UserBySessionTokenHash resolves a session cookie hash to its user.
func (s *Store) UserBySessionTokenHash(ctx context.Context, tokenHash string) (*auth.AuthenticatedUser, error) {
	var u auth.AuthenticatedUser
	err := s.dbtx.QueryRow(ctx, `
		SELECT u.id, u.name, u.email, u.is_active, s.expires_at
		FROM auth_sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = $1`, tokenHash).
		Scan(&u.UserID, &u.Name, &u.Email, &u.IsActive, &u.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("looking up auth session: %w", err)
	}
	return &u, nil
}

// UserByPassword resolves HTTP Basic credentials; the password may be the
// account password or a raw API token.
func (s *Store) UserByPassword(ctx context.Context, username, password string) (*auth.AuthenticatedUser, error) {
	user, err := s.GetByName(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	if auth.CheckPassword(user.PasswordHash, password) {
		return &auth.AuthenticatedUser{
			UserID:   user.ID,
			Name:     user.Name,
			Email:    user.Email,
			IsActive: user.IsActive,
		}, nil
	}

	// Fall back to API token as the basic-auth password.
	tokenUser, err := s.UserByAPITokenHash(ctx, auth.HashToken(password))
	if err == nil && tokenUser.UserID == user.ID {
		return tokenUser, nil
	}

	return nil, fmt.Errorf("invalid credentials for %q", username)
}
