// Package app wires every subsystem together and runs the api or worker
// mode (spec §2's process model).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hadrian-run/hadrian/internal/audit"
	"github.com/hadrian-run/hadrian/internal/config"
	"github.com/hadrian-run/hadrian/internal/conversation"
	"github.com/hadrian-run/hadrian/internal/events"
	"github.com/hadrian-run/hadrian/internal/gateway"
	"github.com/hadrian-run/hadrian/internal/httpserver"
	"github.com/hadrian-run/hadrian/internal/identity"
	"github.com/hadrian-run/hadrian/internal/lifecycle"
	"github.com/hadrian-run/hadrian/internal/notify"
	"github.com/hadrian-run/hadrian/internal/platform"
	"github.com/hadrian-run/hadrian/internal/policy"
	"github.com/hadrian-run/hadrian/internal/retention"
	"github.com/hadrian-run/hadrian/internal/routing"
	"github.com/hadrian-run/hadrian/internal/secrets"
	"github.com/hadrian-run/hadrian/internal/session"
	"github.com/hadrian-run/hadrian/internal/ssoregistry"
	"github.com/hadrian-run/hadrian/internal/telemetry"
	"github.com/hadrian-run/hadrian/internal/usage"
)

// Run is the main application entry point: it reads config, connects to
// infrastructure, and starts the appropriate mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting hadrian", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "hadrian", "dev")
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if cfg.Mode != "migrate" {
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
	}

	metricsReg := telemetry.NewMetricsRegistry()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, shutdownTracer)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb, shutdownTracer)
	case "migrate":
		err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir)
		closeTracer(shutdownTracer, logger)
		return err
	default:
		closeTracer(shutdownTracer, logger)
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// closeTracer runs a lifecycle.TelemetryCloser with its own bounded timeout,
// for the call sites that don't go through lifecycle.ShutdownSequence.
func closeTracer(shutdownTracer lifecycle.TelemetryCloser, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error("shutting down tracer", "error", err)
	}
}

// buildSecretResolver selects the secret backend per cfg.SecretBackend
// (spec §4.3). An unrecognized backend falls back to env, logged loudly
// since a silent fallback here would be a deploy-time surprise.
func buildSecretResolver(cfg *config.Config, logger *slog.Logger) (secrets.Resolver, error) {
	switch cfg.SecretBackend {
	case "env":
		return secrets.NewEnvResolver(cfg.SecretPrefix), nil
	case "memory":
		return secrets.NewMemoryResolver(nil), nil
	case "vault":
		if cfg.VaultRoleID != "" {
			return secrets.NewVaultResolverFromAppRole(context.Background(), cfg.VaultAddr, cfg.VaultRoleID, cfg.VaultSecretID, cfg.VaultMountPath, cfg.SecretPrefix)
		}
		return secrets.NewVaultResolver(cfg.VaultAddr, cfg.VaultToken, cfg.VaultMountPath, cfg.SecretPrefix)
	case "aws", "azure", "gcp":
		return nil, fmt.Errorf("secret backend %q requires a cloud SDK client constructed outside config-driven wiring; use vault or env for this deployment, or wire a custom resolver", cfg.SecretBackend)
	default:
		logger.Warn("unrecognized secret backend, falling back to env", "backend", cfg.SecretBackend)
		return secrets.NewEnvResolver(cfg.SecretPrefix), nil
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, shutdownTracer lifecycle.TelemetryCloser) error {
	secretResolver, err := buildSecretResolver(cfg, logger)
	if err != nil {
		return fmt.Errorf("building secret resolver: %w", err)
	}

	var sessionStore session.Store
	if cfg.EnhancedSessions {
		sessionStore = session.NewRedisStore(rdb)
	} else {
		sessionStore = session.NewMemoryStore()
	}

	oidcRegistry := ssoregistry.NewOIDCRegistry(sessionStore, secretResolver)
	samlRegistry := ssoregistry.NewSAMLRegistry(sessionStore)
	ssoConfigs := ssoregistry.NewConfigStore(db)

	if failures, err := oidcRegistry.InitializeFromDB(ctx, ssoConfigs); err != nil {
		logger.Error("loading oidc sso configs", "error", err)
	} else {
		for _, f := range failures {
			logger.Error("initializing oidc authenticator for org", "error", f)
		}
	}
	if failures, err := samlRegistry.InitializeFromDB(ctx, ssoConfigs); err != nil {
		logger.Error("loading saml sso configs", "error", err)
	} else {
		for _, f := range failures {
			logger.Error("initializing saml authenticator for org", "error", f)
		}
	}

	apiKeyStore := identity.NewPostgresAPIKeyStore(db)
	apiKeyAuth := identity.NewAPIKeyAuthenticator(apiKeyStore, cfg.APIKeyPrefix, logger)
	bearerVerifier := ssoregistry.NewBearerVerifier(oidcRegistry)
	cookieVerifier := ssoregistry.NewCookieVerifier(sessionStore, cfg.SessionCookieName, session.Config{
		InactivityTimeout:      cfg.InactivityTimeout,
		ActivityUpdateInterval: cfg.ActivityUpdateInterval,
		MaxConcurrentSessions:  cfg.MaxConcurrentSessions,
		Enhanced:               cfg.EnhancedSessions,
	})

	var staticProviders *routing.ResolvedStaticProviders
	if cfg.StaticProvidersFile != "" {
		staticCfg, err := routing.LoadStaticConfig(cfg.StaticProvidersFile)
		if err != nil {
			return fmt.Errorf("loading static providers file: %w", err)
		}
		resolved, err := staticCfg.Resolve(ctx, secretResolver)
		if err != nil {
			return fmt.Errorf("resolving static providers: %w", err)
		}
		staticProviders = resolved
	} else {
		logger.Info("no static providers file configured; /v1/models and static-route dispatch are unavailable")
	}

	cache := platform.NewRedisCache(rdb)

	eventBus := events.NewBus(logger)

	usageBuffer := usage.NewBuffer(usage.BufferConfig{
		MaxSize:       cfg.UsageBufferMaxSize,
		FlushInterval: cfg.UsageBufferFlushInterval,
		MaxPending:    cfg.UsageBufferMaxPending,
	}, eventBus, logger)

	sinks := []usage.Sink{usage.NewDatabaseSink(db, usage.NewPostgresDLQ(db), logger)}
	if cfg.UsageOTLPSinkEnabled {
		otlpSink, err := usage.NewOtlpSink(ctx, usage.OtlpSinkConfig{Endpoint: cfg.OTLPEndpoint, Timeout: cfg.OTLPLogTimeout})
		if err != nil {
			return fmt.Errorf("initializing usage otlp sink: %w", err)
		}
		sinks = append(sinks, otlpSink)
	}
	compositeSink := usage.NewCompositeSink(logger, sinks...)

	lc := lifecycle.NewTracker(logger)
	bufferDone := make(chan struct{})
	lc.Spawn("usage-buffer", func(ctx context.Context) error {
		defer close(bufferDone)
		usageBuffer.Run(ctx, compositeSink)
		return nil
	})

	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	retentionWorker := retention.NewWorker(retention.Config{
		IntervalHours:     cfg.RetentionIntervalHours,
		UsageRecordsDays:  cfg.RetentionUsageDays,
		DailySpendDays:    cfg.RetentionSpendDays,
		AuditLogsDays:     cfg.RetentionAuditDays,
		ConversationsDays: cfg.RetentionConversationDays,
		BatchSize:         cfg.RetentionBatchSize,
		MaxPerRun:         cfg.RetentionMaxPerRun,
		DryRun:            cfg.RetentionDryRun,
	}, usage.NewRepo(db), audit.NewStore(db), conversation.NewStore(db), telemetry.RetentionMetrics{}, logger)
	lc.Spawn("retention-worker", func(ctx context.Context) error {
		retentionWorker.Run(ctx)
		return nil
	})

	if cfg.SlackBotToken != "" {
		notifier := notify.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
		_ = notifier // wired for future operational alerting call sites; no alert-producing component exists yet in this build.
	}

	policyRegistry := policy.NewRegistry(
		nil, // wired below only once a Source implementation is available; nil source means lazy loads always miss and every RBAC check fails closed.
		policy.RegistryConfig{
			LazyLoad:        cfg.PolicyLazyLoad,
			VersionCheckTTL: cfg.PolicyVersionCheckTTL,
			MaxCachedOrgs:   cfg.PolicyMaxCachedOrgs,
			EvictionBatch:   cfg.PolicyEvictionBatch,
		},
		logger,
	)
	_ = policyRegistry // consulted by a real Dispatcher's authorization path; no adapter is wired in this build (spec §1 Non-goals).

	engine, err := policy.NewEngine()
	if err != nil {
		return fmt.Errorf("initializing policy engine: %w", err)
	}
	_ = engine

	identity.SetErrorResponder(httpserver.RespondGatewayError)
	ssoregistry.SetErrorResponder(httpserver.RespondGatewayError)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, httpserver.Deps{
		APIKeyAuth:      apiKeyAuth,
		BearerVerifier:  bearerVerifier,
		CookieVerifier:  cookieVerifier,
		StaticProviders: staticProviders,
		SecretResolver:  secretResolver,
		Cache:           cache,
		Dispatcher:      gateway.UnimplementedDispatcher{},
	})

	ssoHandler := ssoregistry.NewHandler(oidcRegistry, samlRegistry, sessionStore, ssoregistry.CookieConfig{
		Name:     cfg.SessionCookieName,
		Duration: cfg.SessionDuration,
		Secure:   true,
	}, logger)
	srv.Router.Get("/auth/login", ssoHandler.HandleOIDCLogin)
	srv.Router.Get("/auth/callback", ssoHandler.HandleOIDCCallback)
	srv.Router.Post("/auth/logout", ssoHandler.HandleLogout)
	srv.Router.Get("/auth/saml/metadata", ssoHandler.HandleSAMLMetadata)
	srv.Router.Get("/auth/saml/login", ssoHandler.HandleSAMLLogin)
	srv.Router.Post("/auth/saml/acs", ssoHandler.HandleSAMLACS)
	srv.Router.Get("/auth/saml/slo", ssoHandler.HandleSAMLSLO)
	srv.Router.Post("/auth/saml/slo", ssoHandler.HandleSAMLSLO)

	auditHandler := audit.NewHandler(db, logger)
	srv.Router.Mount("/admin/audit", auditHandler.Routes())
	usageHandler := usage.NewHandler(db, logger)
	srv.Router.Mount("/admin/usage", usageHandler.Routes())
	srv.Router.Handle("/admin/events", eventBus)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		eventBus.PublishShutdownStarted()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := httpSrv.Shutdown(shutdownCtx)
		lifecycle.ShutdownSequence(context.Background(), logger, lc, usageBuffer, bufferDone, shutdownTracer)
		return shutdownErr
	case err := <-errCh:
		lifecycle.ShutdownSequence(context.Background(), logger, lc, usageBuffer, bufferDone, shutdownTracer)
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, shutdownTracer lifecycle.TelemetryCloser) error {
	logger.Info("worker started")

	lc := lifecycle.NewTracker(logger)
	lc.Spawn("retention-worker", func(ctx context.Context) error {
		worker := retention.NewWorker(retention.Config{
			IntervalHours:     cfg.RetentionIntervalHours,
			UsageRecordsDays:  cfg.RetentionUsageDays,
			DailySpendDays:    cfg.RetentionSpendDays,
			AuditLogsDays:     cfg.RetentionAuditDays,
			ConversationsDays: cfg.RetentionConversationDays,
			BatchSize:         cfg.RetentionBatchSize,
			MaxPerRun:         cfg.RetentionMaxPerRun,
			DryRun:            cfg.RetentionDryRun,
		}, usage.NewRepo(db), audit.NewStore(db), conversation.NewStore(db), telemetry.RetentionMetrics{}, logger)
		worker.Run(ctx)
		return nil
	})

	<-ctx.Done()
	logger.Info("worker shutting down")
	lifecycle.ShutdownSequence(context.Background(), logger, lc, nil, nil, shutdownTracer)
	return nil
}
