package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fernworks/loom/internal/db"
)

// Pod labels and container name for agent session pods.
const (
	LabelSession = "loom.dev/session"
	LabelProject = "loom.dev/project"

	AgentContainerName = "agent"
)

// Store provides database operations for agent sessions and messages.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates an agent Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const sessionColumns = `id, project_id, user_id, agent_user_id, prompt, status, branch, pod_name,
	provider, provider_config, cost_tokens, created_at, finished_at`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.ProjectID, &s.UserID, &s.AgentUserID, &s.Prompt, &s.Status, &s.Branch,
		&s.PodName, &s.Provider, &s.ProviderConfig, &s.CostTokens, &s.CreatedAt, &s.FinishedAt,
	)
	return s, err
}

// Create inserts a pending session row.
func (s *Store) Create(ctx context.Context, id, projectID, userID uuid.UUID, prompt, provider string, providerConfig json.RawMessage, branch string) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO agent_sessions (id, project_id, user_id, prompt, provider, provider_config, branch, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')`,
		id, projectID, userID, prompt, provider, providerConfig, branch)
	return err
}

// Get returns a session by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Session, error) {
	return scanSession(s.dbtx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE id = $1`, id))
}

// ListForProject returns the project's sessions, newest first.
func (s *Store) ListForProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]Session, int64, error) {
	var total int64
	if err := s.dbtx.QueryRow(ctx, `SELECT COUNT(*) FROM agent_sessions WHERE project_id = $1`, projectID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.dbtx.Query(ctx, `
		SELECT `+sessionColumns+` FROM agent_sessions
		WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		projectID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var items []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(
			&sess.ID, &sess.ProjectID, &sess.UserID, &sess.AgentUserID, &sess.Prompt, &sess.Status,
			&sess.Branch, &sess.PodName, &sess.Provider, &sess.ProviderConfig, &sess.CostTokens,
			&sess.CreatedAt, &sess.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scanning session row: %w", err)
		}
		items = append(items, sess)
	}
	return items, total, rows.Err()
}

// SetAgentUser records the provisioned ephemeral identity.
func (s *Store) SetAgentUser(ctx context.Context, id, agentUserID uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE agent_sessions SET agent_user_id = $2 WHERE id = $1`, id, agentUserID)
	return err
}

// MarkRunning records the pod name and transitions to running.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID, podName string) error {
	_, err := s.dbtx.Exec(ctx, `
		UPDATE agent_sessions SET status = 'running', pod_name = $2 WHERE id = $1`, id, podName)
	return err
}

// Finish records a terminal status and finished_at.
func (s *Store) Finish(ctx context.Context, id uuid.UUID, status string) error {
	_, err := s.dbtx.Exec(ctx, `
		UPDATE agent_sessions SET status = $2, finished_at = now() WHERE id = $1`, id, status)
	return err
}

// Running returns sessions in status running with a pod name, for the
// reaper.
func (s *Store) Running(ctx context.Context) ([]Session, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT `+sessionColumns+` FROM agent_sessions
		WHERE status = 'running' AND pod_name IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("listing running sessions: %w", err)
	}
	defer rows.Close()

	var items []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(
			&sess.ID, &sess.ProjectID, &sess.UserID, &sess.AgentUserID, &sess.Prompt, &sess.Status,
			&sess.Branch, &sess.PodName, &sess.Provider, &sess.ProviderConfig, &sess.CostTokens,
			&sess.CreatedAt, &sess.FinishedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, sess)
	}
	return items, rows.Err()
}

// Message is an agent_messages row.
type Message struct {
	ID        uuid.UUID       `json:"id"`
	SessionID uuid.UUID       `json:"session_id"`
	Role      string          `json:"role"`
	Kind      *string         `json:"kind,omitempty"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AddMessage records a session message. Role is "user" or "assistant";
// assistant messages carry the parsed progress kind.
func (s *Store) AddMessage(ctx context.Context, sessionID uuid.UUID, role string, kind *string, content string, metadata json.RawMessage) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO agent_messages (id, session_id, role, kind, content, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), sessionID, role, kind, content, metadata)
	return err
}

// Messages returns the session's messages in order.
func (s *Store) Messages(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]Message, int64, error) {
	var total int64
	if err := s.dbtx.QueryRow(ctx, `SELECT COUNT(*) FROM agent_messages WHERE session_id = $1`, sessionID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.dbtx.Query(ctx, `
		SELECT id, session_id, role, kind, content, metadata, created_at
		FROM agent_messages WHERE session_id = $1
		ORDER BY created_at ASC LIMIT $2 OFFSET $3`, sessionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Kind, &m.Content, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning message row: %w", err)
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}
