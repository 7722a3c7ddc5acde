package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/fernworks/loom/internal/apperr"
	"github.com/fernworks/loom/internal/platform"
	"github.com/fernworks/loom/internal/telemetry"
)

const (
	pollInterval     = 5 * time.Second
	podPollInterval  = 3 * time.Second
	maxConcurrent    = 5
	stepLogContainer = "step"
)

// DeploymentWriter receives the image handoff when a pipeline builds an
// image: a production deployment for the main and master branches, a
// preview deployment otherwise. Implemented by the deploy package.
type DeploymentWriter interface {
	UpsertProduction(ctx context.Context, projectID uuid.UUID, imageRef string) error
	UpsertPreview(ctx context.Context, projectID, pipelineID, triggeredBy uuid.UUID, branch, imageRef string) error
}

// EventSink fires webhooks and notifications at pipeline transition points.
// Implemented by the application wiring, which forwards to the webhook
// fanout and the notification dispatcher.
type EventSink interface {
	Fire(ctx context.Context, projectID uuid.UUID, event string, payload map[string]any)
}

// Executor pulls pending pipelines and runs their steps sequentially as
// workload pods.
type Executor struct {
	pool        *pgxpool.Pool
	store       *Store
	rdb         *redis.Client
	clientset   kubernetes.Interface
	objectStore *platform.ObjectStore
	deployments DeploymentWriter
	events      EventSink
	logger      *slog.Logger

	namespace   string
	registryURL string
}

// NewExecutor creates a pipeline executor.
func NewExecutor(pool *pgxpool.Pool, rdb *redis.Client, clientset kubernetes.Interface, objectStore *platform.ObjectStore, deployments DeploymentWriter, events EventSink, namespace, registryURL string, logger *slog.Logger) *Executor {
	return &Executor{
		pool:        pool,
		store:       NewStore(pool),
		rdb:         rdb,
		clientset:   clientset,
		objectStore: objectStore,
		deployments: deployments,
		events:      events,
		logger:      logger,
		namespace:   namespace,
		registryURL: registryURL,
	}
}

// Run is the executor's background loop. It polls every few seconds and
// wakes early on pub/sub messages; it blocks until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	e.logger.Info("pipeline executor started", "interval", pollInterval)

	pubsub := e.rdb.Subscribe(ctx, wakeupChannel)
	defer pubsub.Close()
	wakeCh := pubsub.Channel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("pipeline executor stopped")
			return
		case <-wakeCh:
			e.pollPending(ctx)
		case <-ticker.C:
			e.pollPending(ctx)
		}
	}
}

// pollPending claims up to maxConcurrent pending pipelines and spawns an
// execution goroutine per pipeline.
func (e *Executor) pollPending(ctx context.Context) {
	ids, err := e.store.PendingIDs(ctx, maxConcurrent)
	if err != nil {
		e.logger.Error("polling pending pipelines", "error", err)
		return
	}

	for _, id := range ids {
		go func() {
			if err := e.ExecutePipeline(ctx, id); err != nil {
				e.logger.Error("pipeline execution failed", "pipeline_id", id, "error", err)
				if err := e.store.MarkFailed(ctx, id); err != nil {
					e.logger.Error("marking pipeline failed", "pipeline_id", id, "error", err)
				}
			}
		}()
	}
}

// ExecutePipeline claims the pipeline and runs its steps in order. A failed
// claim means another worker owns it.
func (e *Executor) ExecutePipeline(ctx context.Context, pipelineID uuid.UUID) error {
	projectID, err := e.store.Claim(ctx, pipelineID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			e.logger.Debug("pipeline already claimed", "pipeline_id", pipelineID)
			return nil
		}
		return fmt.Errorf("claiming pipeline: %w", err)
	}

	meta, err := e.store.GetMeta(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("loading pipeline meta: %w", err)
	}

	outcome, err := e.runAllSteps(ctx, pipelineID, projectID, meta)
	if err != nil {
		return err
	}
	if outcome == runCancelled {
		// Cancel already recorded the terminal status and finished_at;
		// writing anything further would clobber it.
		e.logger.Info("pipeline cancelled mid-run", "pipeline_id", pipelineID)
		return nil
	}

	finalStatus := StatusFailure
	if outcome == runSucceeded {
		finalStatus = StatusSuccess
	}
	if err := e.store.Finish(ctx, pipelineID, finalStatus); err != nil {
		return fmt.Errorf("finishing pipeline: %w", err)
	}
	telemetry.PipelinesExecutedTotal.WithLabelValues(finalStatus).Inc()

	if outcome == runSucceeded {
		e.detectAndWriteDeployment(ctx, pipelineID, projectID, meta)
	}

	if e.events != nil {
		e.events.Fire(ctx, projectID, "build", map[string]any{
			"action":      finalStatus,
			"pipeline_id": pipelineID,
			"project_id":  projectID,
		})
	}

	e.logger.Info("pipeline finished", "pipeline_id", pipelineID, "status", finalStatus)
	return nil
}

// runOutcome distinguishes how a step run ended: cancellation must never be
// mistaken for failure, since Cancel already wrote the terminal status.
type runOutcome int

const (
	runSucceeded runOutcome = iota
	runFailed
	runCancelled
)

// runAllSteps runs steps strictly sequentially in declared order, checking
// for cancellation before each step.
func (e *Executor) runAllSteps(ctx context.Context, pipelineID, projectID uuid.UUID, meta Meta) (runOutcome, error) {
	steps, err := e.store.Steps(ctx, pipelineID)
	if err != nil {
		return runFailed, fmt.Errorf("loading steps: %w", err)
	}

	for _, step := range steps {
		status, err := e.store.Status(ctx, pipelineID)
		if err != nil {
			return runFailed, fmt.Errorf("rechecking pipeline status: %w", err)
		}
		if status == StatusCancelled {
			if err := e.store.SkipPendingSteps(ctx, pipelineID); err != nil {
				return runCancelled, err
			}
			return runCancelled, nil
		}

		succeeded := e.executeStep(ctx, pipelineID, projectID, meta, step)
		if !succeeded {
			if err := e.store.SkipStepsAfter(ctx, pipelineID, step.StepOrder); err != nil {
				return runFailed, err
			}
			return runFailed, nil
		}
	}
	return runSucceeded, nil
}

// executeStep runs one step as a pod: create, poll phase, capture logs,
// delete, record outcome. Per-step errors mark the step failed with no exit
// code and never abort the executor.
func (e *Executor) executeStep(ctx context.Context, pipelineID, projectID uuid.UUID, meta Meta, step StepRow) bool {
	if err := e.store.MarkStepRunning(ctx, step.ID); err != nil {
		e.logger.Error("marking step running", "step", step.Name, "error", err)
		return false
	}

	podName := StepPodName(pipelineID, step.Name)
	pod := BuildStepPod(PodSpecParams{
		PodName:     podName,
		PipelineID:  pipelineID,
		ProjectID:   projectID,
		ProjectName: meta.ProjectName,
		StepName:    step.Name,
		Image:       step.Image,
		Commands:    step.Commands,
		GitRef:      meta.GitRef,
		CommitSHA:   meta.CommitSHA,
		RepoPath:    meta.RepoPath,
		RegistryURL: e.registryURL,
	})

	start := time.Now()
	exitCode, runErr := e.runStepPod(ctx, podName, pod, pipelineID, step.Name)
	durationMS := time.Since(start).Milliseconds()
	telemetry.PipelineStepDuration.Observe(time.Since(start).Seconds())

	if runErr != nil {
		e.logger.Error("step execution error", "pipeline_id", pipelineID, "step", step.Name, "error", runErr)
		if err := e.store.FinishStep(ctx, step.ID, StatusFailure, nil, durationMS, nil); err != nil {
			e.logger.Error("recording step failure", "step", step.Name, "error", err)
		}
		return false
	}

	status := StatusFailure
	if exitCode == 0 {
		status = StatusSuccess
	}
	logRef := LogPath(pipelineID, step.Name)
	if err := e.store.FinishStep(ctx, step.ID, status, &exitCode, durationMS, &logRef); err != nil {
		e.logger.Error("recording step outcome", "step", step.Name, "error", err)
		return false
	}
	return exitCode == 0
}

// runStepPod creates the pod, waits for a terminal phase, captures logs to
// the object store, and deletes the pod. Returns the step's exit code.
func (e *Executor) runStepPod(ctx context.Context, podName string, pod *corev1.Pod, pipelineID uuid.UUID, stepName string) (int32, error) {
	pods := e.clientset.CoreV1().Pods(e.namespace)

	if _, err := pods.Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return 0, fmt.Errorf("creating step pod: %w", err)
	}

	exitCode, waitErr := e.waitForPod(ctx, podName)

	e.captureLogs(ctx, podName, pipelineID, stepName)

	if err := pods.Delete(ctx, podName, metav1.DeleteOptions{}); err != nil && !k8serrors.IsNotFound(err) {
		e.logger.Warn("deleting step pod", "pod", podName, "error", err)
	}

	return exitCode, waitErr
}

// waitForPod polls the pod phase until it is terminal and extracts the main
// container's exit code.
func (e *Executor) waitForPod(ctx context.Context, podName string) (int32, error) {
	pods := e.clientset.CoreV1().Pods(e.namespace)

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(podPollInterval):
		}

		pod, err := pods.Get(ctx, podName, metav1.GetOptions{})
		if err != nil {
			if k8serrors.IsNotFound(err) {
				return 0, fmt.Errorf("pod %s disappeared", podName)
			}
			return 0, fmt.Errorf("getting pod %s: %w", podName, err)
		}

		switch pod.Status.Phase {
		case corev1.PodSucceeded:
			return 0, nil
		case corev1.PodFailed:
			if code, ok := extractExitCode(&pod.Status); ok {
				return code, nil
			}
			return 1, nil
		case corev1.PodPending, corev1.PodRunning:
			// keep polling
		default:
			e.logger.Warn("unexpected pod phase", "pod", podName, "phase", pod.Status.Phase)
		}
	}
}

// extractExitCode reads the first container's termination state.
func extractExitCode(status *corev1.PodStatus) (int32, bool) {
	if len(status.ContainerStatuses) == 0 {
		return 0, false
	}
	term := status.ContainerStatuses[0].State.Terminated
	if term == nil {
		return 0, false
	}
	return term.ExitCode, true
}

// LogPath is the deterministic object-store path for a step's log.
func LogPath(pipelineID uuid.UUID, stepName string) string {
	return fmt.Sprintf("logs/pipelines/%s/%s.log", pipelineID, stepName)
}

// captureLogs streams the step container's log to the object store.
// Log-read failures are logged, not fatal.
func (e *Executor) captureLogs(ctx context.Context, podName string, pipelineID uuid.UUID, stepName string) {
	req := e.clientset.CoreV1().Pods(e.namespace).GetLogs(podName, &corev1.PodLogOptions{Container: stepLogContainer})
	raw, err := req.DoRaw(ctx)
	if err != nil {
		e.logger.Warn("reading step pod logs", "pod", podName, "error", err)
		return
	}

	path := LogPath(pipelineID, stepName)
	if err := e.objectStore.Write(ctx, path, raw); err != nil {
		e.logger.Error("writing step logs to object store", "path", path, "error", err)
	}
}

// detectAndWriteDeployment hands a freshly built image off to the
// deployment subsystem: production when the branch is main or master, a
// preview keyed by branch slug otherwise. The project's configured default
// branch is not consulted.
func (e *Executor) detectAndWriteDeployment(ctx context.Context, pipelineID, projectID uuid.UUID, meta Meta) {
	if e.deployments == nil {
		return
	}

	builderSteps, err := e.store.SuccessfulBuilderSteps(ctx, pipelineID)
	if err != nil {
		e.logger.Error("listing builder steps", "pipeline_id", pipelineID, "error", err)
		return
	}
	if len(builderSteps) == 0 {
		return
	}

	pl, err := e.store.Get(ctx, pipelineID)
	if err != nil {
		e.logger.Error("loading pipeline for deployment handoff", "pipeline_id", pipelineID, "error", err)
		return
	}

	registry := e.registryURL
	if registry == "" {
		registry = "localhost:5000"
	}
	tag := "latest"
	if pl.CommitSHA != nil {
		tag = *pl.CommitSHA
	}
	imageRef := fmt.Sprintf("%s/%s:%s", registry, meta.ProjectName, tag)

	branch := BranchFromRef(pl.GitRef)
	if branch == "main" || branch == "master" {
		if err := e.deployments.UpsertProduction(ctx, projectID, imageRef); err != nil {
			e.logger.Error("upserting production deployment", "project_id", projectID, "error", err)
			return
		}
		e.logger.Info("production deployment updated from pipeline", "project_id", projectID, "image", imageRef)
	} else {
		if err := e.deployments.UpsertPreview(ctx, projectID, pipelineID, pl.TriggeredBy, branch, imageRef); err != nil {
			e.logger.Error("upserting preview deployment", "project_id", projectID, "branch", branch, "error", err)
			return
		}
		e.logger.Info("preview deployment upserted from pipeline", "project_id", projectID, "branch", branch, "image", imageRef)
	}
}

// Cancel marks the pipeline cancelled, skips its pending steps, and deletes
// any running step pods via label-selector delete. Cancelling a pipeline in
// a terminal status is a no-op.
func (e *Executor) Cancel(ctx context.Context, pipelineID uuid.UUID) error {
	if _, err := e.store.Cancel(ctx, pipelineID); err != nil {
		return apperr.Internal(err)
	}
	if err := e.store.SkipPendingSteps(ctx, pipelineID); err != nil {
		return apperr.Internal(err)
	}

	selector := fmt.Sprintf("%s=%s", LabelPipeline, pipelineID)
	err := e.clientset.CoreV1().Pods(e.namespace).DeleteCollection(ctx,
		metav1.DeleteOptions{}, metav1.ListOptions{LabelSelector: selector})
	if err != nil && !k8serrors.IsNotFound(err) {
		e.logger.Warn("deleting pipeline pods", "pipeline_id", pipelineID, "error", err)
	}

	e.logger.Info("pipeline cancelled", "pipeline_id", pipelineID)
	return nil
}
