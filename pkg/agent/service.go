package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/fernworks/loom/internal/apperr"
	"github.com/fernworks/loom/internal/platform"
	"github.com/fernworks/loom/internal/telemetry"
	"github.com/fernworks/loom/pkg/project"
	"github.com/fernworks/loom/pkg/rbac"
)

const reaperInterval = 30 * time.Second

// EventSink fires webhooks and notifications at session transition points.
type EventSink interface {
	Fire(ctx context.Context, projectID uuid.UUID, event string, payload map[string]any)
}

// Service manages agent session lifecycles.
type Service struct {
	store       *Store
	identities  *IdentityService
	projects    *project.Store
	clientset   kubernetes.Interface
	restConfig  *rest.Config
	objectStore *platform.ObjectStore
	events      EventSink
	logger      *slog.Logger

	namespace string
	listen    string
}

// NewService creates an agent session service.
func NewService(pool *pgxpool.Pool, rdb *redis.Client, kube *platform.KubeClients, objectStore *platform.ObjectStore, events EventSink, namespace, listen string, logger *slog.Logger) *Service {
	return &Service{
		store:       NewStore(pool),
		identities:  NewIdentityService(pool, rdb, logger),
		projects:    project.NewStore(pool),
		clientset:   kube.Clientset,
		restConfig:  kube.RESTConfig,
		objectStore: objectStore,
		events:      events,
		logger:      logger,
		namespace:   namespace,
		listen:      listen,
	}
}

// Store exposes the session store for handlers.
func (s *Service) Store() *Store { return s.store }

// CreateParams describes a session creation request.
type CreateParams struct {
	UserID           uuid.UUID
	ProjectID        uuid.UUID
	Prompt           string
	Provider         string
	Branch           string
	ProviderConfig   json.RawMessage
	ExtraPermissions []rbac.Permission
}

// Create inserts the session row, provisions the ephemeral identity, builds
// the provider pod, and transitions the session to running.
func (s *Service) Create(ctx context.Context, p CreateParams) (Session, error) {
	provider, err := ResolveProvider(p.Provider)
	if err != nil {
		return Session{}, apperr.BadRequest(err.Error())
	}

	var config ProviderConfig
	if len(p.ProviderConfig) > 0 {
		// Unknown fields and malformed config fall back to defaults.
		_ = json.Unmarshal(p.ProviderConfig, &config)
	}

	sessionID := uuid.New()
	shortID := sessionID.String()[:8]
	branch := p.Branch
	if branch == "" {
		branch = "agent/" + shortID
	}

	if err := s.store.Create(ctx, sessionID, p.ProjectID, p.UserID, p.Prompt, p.Provider, p.ProviderConfig, branch); err != nil {
		return Session{}, apperr.Internal(err)
	}

	agentIdentity, err := s.identities.Provision(ctx, sessionID, p.UserID, p.ProjectID, p.ExtraPermissions)
	if err != nil {
		return Session{}, apperr.Internal(err)
	}
	if err := s.store.SetAgentUser(ctx, sessionID, agentIdentity.UserID); err != nil {
		return Session{}, apperr.Internal(err)
	}

	proj, err := s.projects.Get(ctx, p.ProjectID)
	if err != nil {
		return Session{}, apperr.FromDB(err, "project")
	}
	if proj.RepoPath == "" {
		return Session{}, apperr.BadRequest("project has no repository")
	}

	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, apperr.Internal(err)
	}

	pod, err := provider.BuildPod(BuildPodParams{
		Session:        &session,
		Config:         config,
		AgentAPIToken:  agentIdentity.APIToken,
		PlatformAPIURL: s.platformURL(),
		RepoCloneURL:   "file://" + proj.RepoPath,
		Namespace:      s.namespace,
	})
	if err != nil {
		return Session{}, apperr.Internal(err)
	}

	created, err := s.clientset.CoreV1().Pods(s.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return Session{}, apperr.Internal(fmt.Errorf("creating agent pod: %w", err))
	}

	if err := s.store.MarkRunning(ctx, sessionID, created.Name); err != nil {
		return Session{}, apperr.Internal(err)
	}

	s.logger.Info("agent session started", "session_id", sessionID, "pod", created.Name, "provider", p.Provider)
	return s.store.Get(ctx, sessionID)
}

// platformURL is the in-cluster address agent pods call back to.
func (s *Service) platformURL() string {
	port := "8080"
	if idx := strings.LastIndex(s.listen, ":"); idx >= 0 {
		port = s.listen[idx+1:]
	}
	return fmt.Sprintf("http://loom.%s.svc.cluster.local:%s", s.namespace, port)
}

// SendMessage writes a line to the running session pod's stdin and records
// the message. Refused unless the session is running.
func (s *Service) SendMessage(ctx context.Context, sessionID uuid.UUID, content string) error {
	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return apperr.FromDB(err, "session")
	}
	if session.Status != StatusRunning || session.PodName == nil {
		return apperr.Conflict("session is not running")
	}

	if err := s.attachStdin(ctx, *session.PodName, content+"\n"); err != nil {
		return apperr.Internal(err)
	}

	if err := s.store.AddMessage(ctx, sessionID, "user", nil, content, nil); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// attachStdin attaches to the agent container's stdin and writes payload.
func (s *Service) attachStdin(ctx context.Context, podName, payload string) error {
	req := s.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(s.namespace).
		Name(podName).
		SubResource("attach").
		VersionedParams(&corev1.PodAttachOptions{
			Container: AgentContainerName,
			Stdin:     true,
			Stdout:    false,
			Stderr:    false,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(s.restConfig, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("building attach executor: %w", err)
	}

	return executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin: strings.NewReader(payload),
	})
}

// Stop stops a session: captures logs, deletes the pod, finalizes the row,
// and tears down the agent identity.
func (s *Service) Stop(ctx context.Context, sessionID uuid.UUID) error {
	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return apperr.FromDB(err, "session")
	}

	if session.PodName != nil {
		s.captureLogs(ctx, *session.PodName, sessionID)
		err := s.clientset.CoreV1().Pods(s.namespace).Delete(ctx, *session.PodName, metav1.DeleteOptions{})
		if err != nil && !k8serrors.IsNotFound(err) {
			s.logger.Warn("deleting agent pod", "pod", *session.PodName, "error", err)
		}
	}

	if err := s.store.Finish(ctx, sessionID, StatusStopped); err != nil {
		return apperr.Internal(err)
	}
	telemetry.AgentSessionsTotal.WithLabelValues(StatusStopped).Inc()

	if session.AgentUserID != nil {
		if err := s.identities.Cleanup(ctx, *session.AgentUserID); err != nil {
			s.logger.Error("cleaning up agent identity", "session_id", sessionID, "error", err)
		}
	}

	s.logger.Info("agent session stopped", "session_id", sessionID)
	return nil
}

// LogLines returns a line reader following the session pod's stdout.
func (s *Service) LogLines(ctx context.Context, sessionID uuid.UUID) (*bufio.Scanner, io.Closer, error) {
	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, apperr.FromDB(err, "session")
	}
	if session.PodName == nil {
		return nil, nil, apperr.Conflict("session is not running")
	}

	req := s.clientset.CoreV1().Pods(s.namespace).GetLogs(*session.PodName, &corev1.PodLogOptions{
		Container: AgentContainerName,
		Follow:    true,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, nil, apperr.Internal(fmt.Errorf("opening log stream: %w", err))
	}

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return scanner, stream, nil
}

// LogArchivePath is the deterministic object-store path for a session's log.
func LogArchivePath(sessionID uuid.UUID) string {
	return fmt.Sprintf("logs/agents/%s/output.log", sessionID)
}

// captureLogs reads the full pod log and archives it to the object store.
func (s *Service) captureLogs(ctx context.Context, podName string, sessionID uuid.UUID) {
	req := s.clientset.CoreV1().Pods(s.namespace).GetLogs(podName, &corev1.PodLogOptions{Container: AgentContainerName})
	raw, err := req.DoRaw(ctx)
	if err != nil {
		s.logger.Warn("reading agent pod logs", "pod", podName, "error", err)
		return
	}
	path := LogArchivePath(sessionID)
	if err := s.objectStore.Write(ctx, path, raw); err != nil {
		s.logger.Error("archiving agent logs", "path", path, "error", err)
	}
}

// RunReaper is the background loop that finalizes sessions whose pods have
// terminated; it blocks until ctx is cancelled.
func (s *Service) RunReaper(ctx context.Context) {
	s.logger.Info("agent session reaper started", "interval", reaperInterval)

	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("agent session reaper stopped")
			return
		case <-ticker.C:
			if err := s.reapOnce(ctx); err != nil {
				s.logger.Error("reaping agent sessions", "error", err)
			}
		}
	}
}

func (s *Service) reapOnce(ctx context.Context) error {
	running, err := s.store.Running(ctx)
	if err != nil {
		return err
	}

	for _, session := range running {
		podName := *session.PodName
		pod, err := s.clientset.CoreV1().Pods(s.namespace).Get(ctx, podName, metav1.GetOptions{})
		if err != nil {
			if k8serrors.IsNotFound(err) {
				// Pod vanished under us.
				s.finalize(ctx, session, StatusFailed, false)
				s.logger.Warn("agent pod disappeared, marking failed", "session_id", session.ID)
				continue
			}
			// Transient API errors are retried next tick.
			s.logger.Error("checking agent pod", "session_id", session.ID, "error", err)
			continue
		}

		var finalStatus string
		switch pod.Status.Phase {
		case corev1.PodSucceeded:
			finalStatus = StatusCompleted
		case corev1.PodFailed:
			finalStatus = StatusFailed
		default:
			continue
		}

		s.finalize(ctx, session, finalStatus, true)
		s.logger.Info("reaped agent session", "session_id", session.ID, "status", finalStatus)
	}
	return nil
}

// finalize captures logs (when the pod still exists), deletes the pod,
// records the terminal status, cleans up the identity, and fires the
// webhook.
func (s *Service) finalize(ctx context.Context, session Session, status string, podExists bool) {
	if session.PodName != nil && podExists {
		s.captureLogs(ctx, *session.PodName, session.ID)
		err := s.clientset.CoreV1().Pods(s.namespace).Delete(ctx, *session.PodName, metav1.DeleteOptions{})
		if err != nil && !k8serrors.IsNotFound(err) {
			s.logger.Warn("deleting agent pod", "pod", *session.PodName, "error", err)
		}
	}

	if err := s.store.Finish(ctx, session.ID, status); err != nil {
		s.logger.Error("finalizing agent session", "session_id", session.ID, "error", err)
		return
	}
	telemetry.AgentSessionsTotal.WithLabelValues(status).Inc()

	if session.AgentUserID != nil {
		if err := s.identities.Cleanup(ctx, *session.AgentUserID); err != nil {
			s.logger.Error("cleaning up agent identity", "session_id", session.ID, "error", err)
		}
	}

	if s.events != nil {
		s.events.Fire(ctx, session.ProjectID, "agent", map[string]any{
			"action":     status,
			"session_id": session.ID,
			"project_id": session.ProjectID,
		})
	}
}
