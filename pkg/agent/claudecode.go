package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// defaultClaudeImage is the runner image of every Claude Code session pod;
// ProviderConfig carries no image override.
const defaultClaudeImage = "ghcr.io/fernworks/loom-agent-claude:latest"

// ClaudeCodeProvider runs Claude Code sessions in pods. The runner emits one
// JSON event per line on stdout and accepts follow-up prompts on stdin.
type ClaudeCodeProvider struct{}

func (p *ClaudeCodeProvider) Name() string { return "claude-code" }

// BuildPod builds the session pod: a single container running the agent
// runner with the platform token, repo URL, branch, and prompt injected.
func (p *ClaudeCodeProvider) BuildPod(params BuildPodParams) (*corev1.Pod, error) {
	session := params.Session
	shortID := session.ID.String()[:8]

	env := []corev1.EnvVar{
		{Name: "API_TOKEN", Value: params.AgentAPIToken},
		{Name: "PLATFORM_URL", Value: params.PlatformAPIURL},
		{Name: "REPO_URL", Value: params.RepoCloneURL},
		{Name: "PROMPT", Value: session.Prompt},
	}
	if session.Branch != nil {
		env = append(env, corev1.EnvVar{Name: "BRANCH", Value: *session.Branch})
	}
	if params.Config.Model != "" {
		env = append(env, corev1.EnvVar{Name: "CLAUDE_MODEL", Value: params.Config.Model})
	}
	if params.Config.MaxTurns > 0 {
		env = append(env, corev1.EnvVar{Name: "CLAUDE_MAX_TURNS", Value: fmt.Sprintf("%d", params.Config.MaxTurns)})
	}

	stdin := true
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "agent-" + shortID,
			Namespace: params.Namespace,
			Labels: map[string]string{
				LabelSession: session.ID.String(),
				LabelProject: session.ProjectID.String(),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:      AgentContainerName,
				Image:     defaultClaudeImage,
				Stdin:     stdin,
				StdinOnce: false,
				Env:       env,
				Resources: corev1.ResourceRequirements{
					Limits: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("2"),
						corev1.ResourceMemory: resource.MustParse("4Gi"),
					},
					Requests: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("500m"),
						corev1.ResourceMemory: resource.MustParse("1Gi"),
					},
				},
			}},
		},
	}, nil
}

// runnerEvent is the JSON-per-line protocol emitted by the runner.
type runnerEvent struct {
	Type     string          `json:"type"`
	Message  string          `json:"message"`
	Text     string          `json:"text"`
	Metadata json.RawMessage `json:"metadata"`
}

// ParseProgress parses one output line. JSON events map onto the progress
// kinds; plain lines become text events; blank lines are dropped.
func (p *ClaudeCodeProvider) ParseProgress(line string) (ProgressEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return ProgressEvent{}, false
	}

	if !strings.HasPrefix(line, "{") {
		return ProgressEvent{Kind: KindText, Message: line}, true
	}

	var ev runnerEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return ProgressEvent{Kind: KindText, Message: line}, true
	}

	message := ev.Message
	if message == "" {
		message = ev.Text
	}

	var kind ProgressKind
	switch ev.Type {
	case "thinking":
		kind = KindThinking
	case "tool_call", "tool_use":
		kind = KindToolCall
	case "tool_result":
		kind = KindToolResult
	case "milestone":
		kind = KindMilestone
	case "error":
		kind = KindError
	case "completed", "result":
		kind = KindCompleted
	default:
		kind = KindText
	}

	return ProgressEvent{Kind: kind, Message: message, Metadata: ev.Metadata}, true
}
