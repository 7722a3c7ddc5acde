package pipeline

import (
	"testing"

	"github.com/google/uuid"
)

func TestBuildStepPod(t *testing.T) {
	pipelineID := uuid.New()
	sha := "abc123"
	pod := BuildStepPod(PodSpecParams{
		PodName:     "pl-test-build",
		PipelineID:  pipelineID,
		ProjectID:   uuid.New(),
		ProjectName: "myapp",
		StepName:    "Build Image",
		Image:       "golang:1.25",
		Commands:    []string{"go build ./...", "go test ./..."},
		GitRef:      "refs/heads/main",
		CommitSHA:   &sha,
		RepoPath:    "/data/repos/myapp.git",
		RegistryURL: "registry.local:5000",
	})

	if pod.Name != "pl-test-build" {
		t.Errorf("pod name = %q", pod.Name)
	}
	if pod.Labels[LabelPipeline] != pipelineID.String() {
		t.Errorf("pipeline label = %q", pod.Labels[LabelPipeline])
	}
	if pod.Labels[LabelStep] != "build-image" {
		t.Errorf("step label = %q", pod.Labels[LabelStep])
	}
	if pod.Spec.RestartPolicy != "Never" {
		t.Errorf("restart policy = %q", pod.Spec.RestartPolicy)
	}

	if len(pod.Spec.InitContainers) != 1 {
		t.Fatalf("init containers = %d", len(pod.Spec.InitContainers))
	}
	init := pod.Spec.InitContainers[0]
	if init.Image != "alpine/git:latest" {
		t.Errorf("init image = %q", init.Image)
	}
	if len(init.Args) != 1 || init.Args[0] != "git clone --depth 1 --branch main file:///data/repos/myapp.git /workspace" {
		t.Errorf("clone args = %v", init.Args)
	}

	step := pod.Spec.Containers[0]
	if step.Args[0] != "go build ./... && go test ./..." {
		t.Errorf("step script = %q", step.Args[0])
	}
	if step.WorkingDir != "/workspace" {
		t.Errorf("working dir = %q", step.WorkingDir)
	}

	envByName := map[string]string{}
	for _, e := range step.Env {
		envByName[e.Name] = e.Value
	}
	want := map[string]string{
		"PIPELINE_ID":   pipelineID.String(),
		"STEP_NAME":     "Build Image",
		"COMMIT_REF":    "refs/heads/main",
		"COMMIT_BRANCH": "main",
		"COMMIT_SHA":    "abc123",
		"PROJECT":       "myapp",
		"REGISTRY":      "registry.local:5000",
	}
	for k, v := range want {
		if envByName[k] != v {
			t.Errorf("env %s = %q, want %q", k, envByName[k], v)
		}
	}

	if cpu := step.Resources.Limits.Cpu().String(); cpu != "1" {
		t.Errorf("cpu limit = %s", cpu)
	}
	if mem := step.Resources.Limits.Memory().String(); mem != "1Gi" {
		t.Errorf("memory limit = %s", mem)
	}

	if len(pod.Spec.Volumes) != 2 || pod.Spec.Volumes[0].Name != "workspace" || pod.Spec.Volumes[1].Name != "repos" {
		t.Errorf("volumes = %+v", pod.Spec.Volumes)
	}
}

func TestStepPodName(t *testing.T) {
	id := uuid.MustParse("12345678-0000-0000-0000-000000000000")
	if got := StepPodName(id, "Run Tests"); got != "pl-12345678-run-tests" {
		t.Errorf("pod name = %q", got)
	}
}

func TestBranchFromRef(t *testing.T) {
	cases := map[string]string{
		"refs/heads/main":       "main",
		"refs/heads/feature/x":  "feature/x",
		"refs/tags/v1.0":        "v1.0",
		"already-a-branch-name": "already-a-branch-name",
	}
	for in, want := range cases {
		if got := BranchFromRef(in); got != want {
			t.Errorf("BranchFromRef(%q) = %q, want %q", in, got, want)
		}
	}
}
