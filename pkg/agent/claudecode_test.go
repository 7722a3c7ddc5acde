package agent

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestResolveProvider(t *testing.T) {
	p, err := ResolveProvider("claude-code")
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}
	if p.Name() != "claude-code" {
		t.Errorf("name = %q", p.Name())
	}

	if _, err := ResolveProvider("gpt-pilot"); err == nil {
		t.Fatal("unknown provider must be refused")
	}
}

func TestBuildPodEnv(t *testing.T) {
	branch := "agent/fix-tests"
	session := &Session{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Prompt:    "fix the failing tests",
		Branch:    &branch,
	}
	provider := &ClaudeCodeProvider{}

	pod, err := provider.BuildPod(BuildPodParams{
		Session:        session,
		Config:         ProviderConfig{Model: "opus", MaxTurns: 10},
		AgentAPIToken:  "loom_secret",
		PlatformAPIURL: "http://loom.loom-agents.svc.cluster.local:8080",
		RepoCloneURL:   "file:///data/repos/myapp.git",
		Namespace:      "loom-agents",
	})
	if err != nil {
		t.Fatalf("building pod: %v", err)
	}

	if pod.Labels[LabelSession] != session.ID.String() {
		t.Errorf("session label = %q", pod.Labels[LabelSession])
	}
	if len(pod.Spec.Containers) != 1 || pod.Spec.Containers[0].Name != AgentContainerName {
		t.Fatalf("containers = %+v", pod.Spec.Containers)
	}
	if !pod.Spec.Containers[0].Stdin {
		t.Error("agent container must accept stdin")
	}

	env := map[string]string{}
	for _, e := range pod.Spec.Containers[0].Env {
		env[e.Name] = e.Value
	}
	want := map[string]string{
		"API_TOKEN":        "loom_secret",
		"PLATFORM_URL":     "http://loom.loom-agents.svc.cluster.local:8080",
		"REPO_URL":         "file:///data/repos/myapp.git",
		"PROMPT":           "fix the failing tests",
		"BRANCH":           "agent/fix-tests",
		"CLAUDE_MODEL":     "opus",
		"CLAUDE_MAX_TURNS": "10",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env %s = %q, want %q", k, env[k], v)
		}
	}
}

func TestParseProgressJSONEvents(t *testing.T) {
	provider := &ClaudeCodeProvider{}

	cases := []struct {
		line string
		kind ProgressKind
		msg  string
	}{
		{`{"type":"thinking","message":"planning the change"}`, KindThinking, "planning the change"},
		{`{"type":"tool_call","message":"running go test"}`, KindToolCall, "running go test"},
		{`{"type":"tool_result","text":"ok"}`, KindToolResult, "ok"},
		{`{"type":"milestone","message":"tests pass"}`, KindMilestone, "tests pass"},
		{`{"type":"error","message":"compile failure"}`, KindError, "compile failure"},
		{`{"type":"completed","message":"done"}`, KindCompleted, "done"},
		{`{"type":"chatter","text":"hello"}`, KindText, "hello"},
	}
	for _, tc := range cases {
		ev, ok := provider.ParseProgress(tc.line)
		if !ok {
			t.Fatalf("line %q did not parse", tc.line)
		}
		if ev.Kind != tc.kind || ev.Message != tc.msg {
			t.Errorf("line %q → %+v, want kind=%s msg=%q", tc.line, ev, tc.kind, tc.msg)
		}
	}
}

func TestParseProgressPlainText(t *testing.T) {
	provider := &ClaudeCodeProvider{}
	ev, ok := provider.ParseProgress("cloning repository...")
	if !ok || ev.Kind != KindText || ev.Message != "cloning repository..." {
		t.Fatalf("ev = %+v ok = %v", ev, ok)
	}
}

func TestParseProgressSkipsBlankLines(t *testing.T) {
	provider := &ClaudeCodeProvider{}
	if _, ok := provider.ParseProgress("   "); ok {
		t.Fatal("blank lines must be dropped")
	}
}

func TestParseProgressMalformedJSONFallsBack(t *testing.T) {
	provider := &ClaudeCodeProvider{}
	ev, ok := provider.ParseProgress(`{"type":"thinking"`)
	if !ok || ev.Kind != KindText {
		t.Fatalf("ev = %+v", ev)
	}
}

func TestParseProgressMetadataPassthrough(t *testing.T) {
	provider := &ClaudeCodeProvider{}
	ev, ok := provider.ParseProgress(`{"type":"tool_call","message":"bash","metadata":{"command":"ls"}}`)
	if !ok {
		t.Fatal("line did not parse")
	}
	var meta map[string]string
	if err := json.Unmarshal(ev.Metadata, &meta); err != nil || meta["command"] != "ls" {
		t.Fatalf("metadata = %s", ev.Metadata)
	}
}
