package pipeline

import (
	"testing"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
)

func TestExtractExitCode(t *testing.T) {
	status := &corev1.PodStatus{
		ContainerStatuses: []corev1.ContainerStatus{{
			Name: "step",
			State: corev1.ContainerState{
				Terminated: &corev1.ContainerStateTerminated{ExitCode: 42},
			},
		}},
	}
	code, ok := extractExitCode(status)
	if !ok || code != 42 {
		t.Fatalf("exit code = %d, ok = %v", code, ok)
	}
}

func TestExtractExitCodeNoStatuses(t *testing.T) {
	if _, ok := extractExitCode(&corev1.PodStatus{}); ok {
		t.Fatal("empty container statuses must report no exit code")
	}
}

func TestExtractExitCodeStillRunning(t *testing.T) {
	status := &corev1.PodStatus{
		ContainerStatuses: []corev1.ContainerStatus{{
			Name:  "step",
			State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
		}},
	}
	if _, ok := extractExitCode(status); ok {
		t.Fatal("running container must report no exit code")
	}
}

func TestLogPath(t *testing.T) {
	id := uuid.MustParse("0195c747-1111-2222-3333-444455556666")
	want := "logs/pipelines/0195c747-1111-2222-3333-444455556666/build.log"
	if got := LogPath(id, "build"); got != want {
		t.Fatalf("log path = %q, want %q", got, want)
	}
}
