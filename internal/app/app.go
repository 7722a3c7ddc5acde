// Package app wires configuration, infrastructure, handlers, and background
// reconcilers into the api and worker runtime modes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/fernworks/loom/internal/audit"
	"github.com/fernworks/loom/internal/auth"
	"github.com/fernworks/loom/internal/config"
	"github.com/fernworks/loom/internal/httpserver"
	"github.com/fernworks/loom/internal/platform"
	"github.com/fernworks/loom/internal/seed"
	"github.com/fernworks/loom/internal/telemetry"
	"github.com/fernworks/loom/pkg/agent"
	"github.com/fernworks/loom/pkg/deploy"
	"github.com/fernworks/loom/pkg/identity"
	"github.com/fernworks/loom/pkg/notify"
	"github.com/fernworks/loom/pkg/observe"
	"github.com/fernworks/loom/pkg/pipeline"
	"github.com/fernworks/loom/pkg/project"
	"github.com/fernworks/loom/pkg/rbac"
	"github.com/fernworks/loom/pkg/secret"
	"github.com/fernworks/loom/pkg/webhook"
)

// Run is the main application entry point. It connects infrastructure, runs
// migrations and bootstrap, and starts the selected runtime mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting loom", "mode", cfg.Mode, "listen", cfg.Listen)

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.CacheURL)
	if err != nil {
		return fmt.Errorf("connecting to cache: %w", err)
	}
	defer rdb.Close()

	objectStore, err := platform.NewObjectStore(ctx, cfg.ObjectStoreEndpoint,
		cfg.ObjectStoreAccessKey, cfg.ObjectStoreSecretKey, cfg.ObjectStoreBucket, cfg.ObjectStoreUseTLS)
	if err != nil {
		return fmt.Errorf("connecting to object store: %w", err)
	}

	kube, err := platform.NewKubeClients(cfg.Kubeconfig)
	if err != nil {
		return fmt.Errorf("building kube clients: %w", err)
	}

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	if err := seed.Run(ctx, pool, cfg.AdminPassword, logger); err != nil {
		return fmt.Errorf("bootstrapping system data: %w", err)
	}

	metricsReg := telemetry.NewRegistry(telemetry.All()...)

	deps := &dependencies{
		cfg:         cfg,
		logger:      logger,
		pool:        pool,
		rdb:         rdb,
		objectStore: objectStore,
		kube:        kube,
		metricsReg:  metricsReg,
	}
	deps.build()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, deps)
	case "worker":
		return runWorker(ctx, deps)
	case "all":
		workerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := runWorker(workerCtx, deps); err != nil {
				logger.Error("worker stopped", "error", err)
			}
		}()
		return runAPI(ctx, deps)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// dependencies carries the shared component graph for both modes.
type dependencies struct {
	cfg         *config.Config
	logger      *slog.Logger
	pool        *pgxpool.Pool
	rdb         *redis.Client
	objectStore *platform.ObjectStore
	kube        *platform.KubeClients
	metricsReg  *prometheus.Registry

	fanout     *webhook.Fanout
	dispatcher *notify.Dispatcher
	events     *eventSink

	projects   *project.Service
	trigger    *pipeline.Trigger
	executor   *pipeline.Executor
	reconciler *deploy.Reconciler
	previews   *deploy.PreviewReconciler
	sessions   *agent.Service
	channels   *observe.Channels
	flusher    *observe.Flusher
	rotator    *observe.Rotator
	evaluator  *observe.Evaluator
}

func (d *dependencies) build() {
	cfg, logger := d.cfg, d.logger

	d.fanout = webhook.NewFanout(d.pool, logger)

	emailSender := notify.NewEmailSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom,
		cfg.SMTPUsername, cfg.SMTPPassword, logger)
	slackNotifier := notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	d.dispatcher = notify.NewDispatcher(d.pool, d.rdb, emailSender, slackNotifier, logger)

	d.events = &eventSink{fanout: d.fanout, dispatcher: d.dispatcher, pool: d.pool, logger: logger}

	d.projects = project.NewService(d.pool, d.rdb, cfg.GitReposPath, logger)
	d.trigger = pipeline.NewTrigger(d.pool, d.rdb, logger)

	deployWriter := deploy.NewWriter(d.pool)
	d.executor = pipeline.NewExecutor(d.pool, d.rdb, d.kube.Clientset, d.objectStore,
		deployWriter, d.events, cfg.PipelineNamespace, cfg.RegistryURL, logger)

	applier := deploy.NewApplier(d.kube.Dynamic, d.kube.Clientset)
	d.reconciler = deploy.NewReconciler(d.pool, d.rdb, applier, d.events,
		cfg.OpsReposPath, cfg.PipelineNamespace, logger)
	d.previews = deploy.NewPreviewReconciler(d.pool, d.kube.Clientset, logger)

	d.sessions = agent.NewService(d.pool, d.rdb, d.kube, d.objectStore, d.events,
		cfg.AgentNamespace, cfg.Listen, logger)

	d.channels = observe.NewChannels()
	d.flusher = observe.NewFlusher(d.channels, d.pool, d.rdb, logger)
	d.rotator = observe.NewRotator(d.pool, d.objectStore, logger)
	d.evaluator = observe.NewEvaluator(d.pool, d.dispatcher, logger)
}

// eventSink routes domain transition events to the webhook fanout and the
// notification dispatcher. It satisfies the per-domain EventSink interfaces.
type eventSink struct {
	fanout     *webhook.Fanout
	dispatcher *notify.Dispatcher
	pool       *pgxpool.Pool
	logger     *slog.Logger
}

func (s *eventSink) Fire(ctx context.Context, projectID uuid.UUID, event string, payload map[string]any) {
	s.fanout.Fire(ctx, projectID, event, payload)

	action, _ := payload["action"].(string)
	switch event {
	case "build":
		if pipelineID, ok := payload["pipeline_id"].(uuid.UUID); ok {
			s.dispatcher.OnBuildComplete(ctx, projectID, pipelineID, action)
		}
	case "deploy":
		s.dispatcher.OnDeployStatus(ctx, projectID, action)
	case "agent":
		sessionID, ok := payload["session_id"].(uuid.UUID)
		if !ok {
			return
		}
		var userID uuid.UUID
		err := s.pool.QueryRow(ctx, `SELECT user_id FROM agent_sessions WHERE id = $1`, sessionID).Scan(&userID)
		if err != nil {
			s.logger.Debug("looking up session user for notification", "session_id", sessionID, "error", err)
			return
		}
		s.dispatcher.OnAgentFinished(ctx, userID, sessionID, action)
	}
}

func runAPI(ctx context.Context, d *dependencies) error {
	cfg, logger := d.cfg, d.logger

	auditWriter := audit.NewWriter(d.pool, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	identityHandler := identity.NewHandler(d.pool, d.rdb, auditWriter, logger, cfg.SecureCookies)
	credentialStore := identity.NewStore(d.pool)
	authMiddleware := auth.Middleware(credentialStore, logger)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSOrigins,
		TrustProxyHeaders:  cfg.TrustProxyHeaders,
	}, logger, d.metricsReg, authMiddleware)

	// Public auth routes.
	srv.Router.Mount("/auth", identityHandler.AuthRoutes())

	// OTLP ingest: authenticated, protobuf bodies.
	ingest := observe.NewIngest(d.channels, d.pool, logger)
	srv.Router.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/traces", ingest.HandleTraces)
		r.Post("/v1/logs", ingest.HandleLogs)
		r.Post("/v1/metrics", ingest.HandleMetrics)
	})

	// Authenticated API.
	srv.APIRouter.Get("/me", identityHandler.HandleMe)
	srv.APIRouter.Post("/logout", identityHandler.HandleLogout)
	srv.APIRouter.Mount("/users", identityHandler.UserRoutes())
	srv.APIRouter.Mount("/tokens", identityHandler.TokenRoutes())
	srv.APIRouter.Mount("/rbac", rbac.NewHandler(d.pool, d.rdb, logger).Routes())

	var envelope *secret.Envelope
	if cfg.MasterKey != "" {
		var err error
		envelope, err = secret.NewEnvelope(cfg.MasterKey)
		if err != nil {
			return fmt.Errorf("initializing secret envelope: %w", err)
		}
	} else {
		logger.Info("secret storage disabled (LOOM_MASTER_KEY not set)")
	}
	secretHandler := secret.NewHandler(d.pool, d.rdb, envelope, logger)

	projectHandler := project.NewHandler(d.projects, logger)
	pipelineHandler := pipeline.NewHandler(pipeline.NewStore(d.pool), d.trigger, d.executor,
		d.projects, d.objectStore, logger)
	deployHandler := deploy.NewHandler(d.pool, d.rdb, d.reconciler.Syncer(), d.projects, logger)
	agentHandler := agent.NewHandler(d.sessions, d.projects, d.pool, d.rdb, logger)
	webhookHandler := webhook.NewHandler(d.fanout, d.projects, logger)

	srv.APIRouter.Mount("/projects", projectHandler.Routes(func(r chi.Router) {
		r.Mount("/pipelines", pipelineHandler.Routes())
		r.Mount("/deployments", deployHandler.ProjectRoutes())
		r.Mount("/previews", deployHandler.PreviewRoutes())
		r.Mount("/sessions", agentHandler.Routes())
		r.Mount("/webhooks", webhookHandler.Routes())
		r.Mount("/secrets", secretHandler.Routes())
	}))
	srv.APIRouter.Mount("/secrets", secretHandler.Routes())
	srv.APIRouter.Mount("/ops-repos", deployHandler.OpsRepoRoutes())
	srv.APIRouter.Mount("/observe", observe.NewHandler(d.pool, d.rdb, logger).Routes())
	srv.APIRouter.Mount("/notifications", notify.NewHandler(d.dispatcher.Store(), logger).Routes())

	httpSrv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker starts every background reconciler and blocks until ctx is
// cancelled.
func runWorker(ctx context.Context, d *dependencies) error {
	d.logger.Info("worker started")

	go d.executor.Run(ctx)
	go d.reconciler.Run(ctx)
	go d.previews.Run(ctx)
	go d.sessions.RunReaper(ctx)
	go d.evaluator.Run(ctx)
	go d.flusher.RunSpans(ctx)
	go d.flusher.RunLogs(ctx)
	go d.flusher.RunMetrics(ctx)
	go d.rotator.Run(ctx)

	<-ctx.Done()
	d.logger.Info("worker stopped")
	return nil
}
