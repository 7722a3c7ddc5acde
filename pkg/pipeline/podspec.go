package pipeline

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/google/uuid"

	"github.com/fernworks/loom/pkg/project"
)

// Pod labels used for ownership and label-selector cleanup.
const (
	LabelPipeline = "loom.dev/pipeline"
	LabelStep     = "loom.dev/step"
	LabelProject  = "loom.dev/project"
)

// PodSpecParams carries everything needed to build a step pod.
type PodSpecParams struct {
	PodName     string
	PipelineID  uuid.UUID
	ProjectID   uuid.UUID
	ProjectName string
	StepName    string
	Image       string
	Commands    []string
	GitRef      string
	CommitSHA   *string
	RepoPath    string
	RegistryURL string
	ExtraEnv    map[string]string
}

// BuildStepPod builds the pod spec for one pipeline step: an init container
// clones the repo at the pipeline's ref into a shared workspace volume, then
// the step container runs the joined commands under a shell with CPU/memory
// limits and the standard environment.
func BuildStepPod(p PodSpecParams) *corev1.Pod {
	script := strings.Join(p.Commands, " && ")
	branch := BranchFromRef(p.GitRef)

	env := []corev1.EnvVar{
		{Name: "PIPELINE_ID", Value: p.PipelineID.String()},
		{Name: "STEP_NAME", Value: p.StepName},
		{Name: "COMMIT_REF", Value: p.GitRef},
		{Name: "COMMIT_BRANCH", Value: branch},
		{Name: "PROJECT", Value: p.ProjectName},
	}
	if p.CommitSHA != nil {
		env = append(env, corev1.EnvVar{Name: "COMMIT_SHA", Value: *p.CommitSHA})
	}
	if p.RegistryURL != "" {
		env = append(env, corev1.EnvVar{Name: "REGISTRY", Value: p.RegistryURL})
	}
	for name, value := range p.ExtraEnv {
		env = append(env, corev1.EnvVar{Name: name, Value: value})
	}

	hostPathDir := corev1.HostPathDirectory

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name: p.PodName,
			Labels: map[string]string{
				LabelPipeline: p.PipelineID.String(),
				LabelStep:     project.Slug(p.StepName),
				LabelProject:  p.ProjectID.String(),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			InitContainers: []corev1.Container{{
				Name:    "clone",
				Image:   "alpine/git:latest",
				Command: []string{"sh", "-c"},
				Args: []string{fmt.Sprintf(
					"git clone --depth 1 --branch %s file://%s /workspace", branch, p.RepoPath,
				)},
				VolumeMounts: []corev1.VolumeMount{
					{Name: "workspace", MountPath: "/workspace"},
					{Name: "repos", MountPath: p.RepoPath, ReadOnly: true},
				},
			}},
			Containers: []corev1.Container{{
				Name:       "step",
				Image:      p.Image,
				Command:    []string{"sh", "-c"},
				Args:       []string{script},
				WorkingDir: "/workspace",
				Env:        env,
				VolumeMounts: []corev1.VolumeMount{
					{Name: "workspace", MountPath: "/workspace"},
				},
				Resources: corev1.ResourceRequirements{
					Limits: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("1"),
						corev1.ResourceMemory: resource.MustParse("1Gi"),
					},
					Requests: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("250m"),
						corev1.ResourceMemory: resource.MustParse("256Mi"),
					},
				},
			}},
			Volumes: []corev1.Volume{
				{
					Name:         "workspace",
					VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
				},
				{
					Name: "repos",
					VolumeSource: corev1.VolumeSource{
						HostPath: &corev1.HostPathVolumeSource{Path: p.RepoPath, Type: &hostPathDir},
					},
				},
			},
		},
	}
}

// StepPodName derives a pod name from the pipeline id and step name.
func StepPodName(pipelineID uuid.UUID, stepName string) string {
	return fmt.Sprintf("pl-%s-%s", pipelineID.String()[:8], project.Slug(stepName))
}
