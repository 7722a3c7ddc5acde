// Package agent spawns pod-hosted AI agents under ephemeral identities with
// delegated permissions, streams their progress, and reaps finished pods.
package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
)

// Session statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// Session is the agent_sessions row used across the package.
type Session struct {
	ID             uuid.UUID       `json:"id"`
	ProjectID      uuid.UUID       `json:"project_id"`
	UserID         uuid.UUID       `json:"user_id"`
	AgentUserID    *uuid.UUID      `json:"agent_user_id,omitempty"`
	Prompt         string          `json:"prompt"`
	Status         string          `json:"status"`
	Branch         *string         `json:"branch,omitempty"`
	PodName        *string         `json:"pod_name,omitempty"`
	Provider       string          `json:"provider"`
	ProviderConfig json.RawMessage `json:"provider_config,omitempty"`
	CostTokens     *int64          `json:"cost_tokens,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// ProviderConfig is the provider-specific configuration passed at session
// creation.
type ProviderConfig struct {
	Model    string `json:"model,omitempty"`
	MaxTurns int    `json:"max_turns,omitempty"`
}

// ProgressKind classifies a parsed progress event.
type ProgressKind string

const (
	KindThinking   ProgressKind = "thinking"
	KindToolCall   ProgressKind = "tool_call"
	KindToolResult ProgressKind = "tool_result"
	KindMilestone  ProgressKind = "milestone"
	KindError      ProgressKind = "error"
	KindCompleted  ProgressKind = "completed"
	KindText       ProgressKind = "text"
)

// ProgressEvent is a structured event parsed from agent output.
type ProgressEvent struct {
	Kind     ProgressKind    `json:"kind"`
	Message  string          `json:"message"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// BuildPodParams carries everything a provider needs to build its pod.
type BuildPodParams struct {
	Session        *Session
	Config         ProviderConfig
	AgentAPIToken  string
	PlatformAPIURL string
	RepoCloneURL   string
	Namespace      string
}

// Provider is implemented per agent runtime. A provider builds the session
// pod and parses the pod's output lines into structured progress events.
type Provider interface {
	BuildPod(p BuildPodParams) (*corev1.Pod, error)
	ParseProgress(line string) (ProgressEvent, bool)
	Name() string
}

// ResolveProvider maps a provider name to its implementation, refusing
// unknown names.
func ResolveProvider(name string) (Provider, error) {
	switch name {
	case "claude-code":
		return &ClaudeCodeProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}
