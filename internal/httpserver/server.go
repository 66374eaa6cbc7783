package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hadrian-run/hadrian/internal/apierr"
	"github.com/hadrian-run/hadrian/internal/config"
	"github.com/hadrian-run/hadrian/internal/gateway"
	"github.com/hadrian-run/hadrian/internal/identity"
	"github.com/hadrian-run/hadrian/internal/routing"
	"github.com/hadrian-run/hadrian/internal/secrets"
	"github.com/hadrian-run/hadrian/internal/version"
)

// Deps bundles the wired dependencies NewServer needs beyond the ambient
// ones (config, logger, db, redis, metrics registry) — one struct rather
// than a long positional parameter list, since most of these are optional
// depending on deployment (a nil Dispatcher or ProviderDB still produces a
// working server, just one that fails closed on the routes that need them).
type Deps struct {
	APIKeyAuth     *identity.APIKeyAuthenticator
	BearerVerifier identity.BearerVerifier
	CookieVerifier identity.SessionCookieVerifier

	StaticProviders *routing.ResolvedStaticProviders
	ProviderDB      routing.ProviderDB
	Cache           routing.Cache
	SecretResolver  secrets.Resolver
	Dispatcher      gateway.Dispatcher
}

// Server holds the HTTP server dependencies.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // authenticated /v1 sub-router
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates the HTTP server with ambient middleware, health and
// metrics endpoints, and the identity-gated /v1 gateway surface. The
// browser-facing SSO endpoints (internal/ssoregistry.Handler) and the admin
// audit/events surfaces are mounted externally, on Server.Router, by
// internal/app once it has constructed them — this package does not import
// them, to avoid a cycle through their own use of RespondGatewayError.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, deps Deps) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Get("/status", s.handleStatus)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/v1", func(r chi.Router) {
		r.Use(identity.Middleware(deps.APIKeyAuth, deps.BearerVerifier, deps.CookieVerifier, logger))
		r.Use(identity.RequireAuth)

		r.Get("/models", s.handleListModels(deps))
		r.Post("/chat/completions", s.handleChatCompletions(deps))
		r.Post("/completions", s.handleChatCompletions(deps))

		s.APIRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}

	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			s.Logger.Error("readiness check: redis ping failed", "error", err)
			RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
			return
		}
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Status          string  `json:"status"`
	Version         string  `json:"version"`
	CommitSHA       string  `json:"commit_sha"`
	Uptime          string  `json:"uptime"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
	Database        string  `json:"database"`
	DatabaseLatency float64 `json:"database_latency_ms"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uptime := time.Since(s.startedAt)

	resp := statusResponse{
		Version:       version.Version,
		CommitSHA:     version.Commit,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	}

	dbStart := time.Now()
	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("status check: database ping failed", "error", err)
		resp.Database = "error"
	} else {
		resp.Database = "ok"
	}
	resp.DatabaseLatency = float64(time.Since(dbStart).Microseconds()) / 1000

	if resp.Database == "ok" {
		resp.Status = "ok"
	} else {
		resp.Status = "degraded"
	}

	Respond(w, http.StatusOK, resp)
}

// handleListModels serves GET /v1/models from the static providers config
// (spec §4.6's non-dynamic route surface; dynamic per-org providers are not
// enumerable without a tenant context, so they're excluded here).
func (s *Server) handleListModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.StaticProviders == nil {
			RespondGatewayError(w, r, apierr.New(apierr.MissingComponent, "no static providers configured"))
			return
		}
		Respond(w, http.StatusOK, deps.StaticProviders.ListModels())
	}
}

const maxChatRequestBody = 25 * 1024 * 1024

// chatCompletionsRequest is the subset of an OpenAI-compatible request body
// this gateway needs to route; everything else is preserved in Raw and
// handed to the Dispatcher untouched.
type chatCompletionsRequest struct {
	Model     string   `json:"model"`
	Stream    bool     `json:"stream"`
	Fallbacks []string `json:"fallback_models"`
}

// handleChatCompletions resolves the request's model string to a provider
// (spec §4.6/§4.7) and hands off to the configured Dispatcher. Provider
// adapters are out of scope (spec §1) — UnimplementedDispatcher fails
// closed with apierr.MissingComponent when none is wired.
func (s *Server) handleChatCompletions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxChatRequestBody+1))
		if err != nil {
			RespondGatewayError(w, r, apierr.New(apierr.ConfigError, "reading request body: %s", err))
			return
		}
		if len(body) > maxChatRequestBody {
			RespondGatewayError(w, r, apierr.New(apierr.ConfigError, "request body exceeds maximum size"))
			return
		}

		var req chatCompletionsRequest
		if err := json.Unmarshal(body, &req); err != nil {
			RespondGatewayError(w, r, apierr.New(apierr.InvalidModelFormat, "invalid JSON body: %s", err))
			return
		}

		var providers routing.ProvidersConfig
		var staticConfigs routing.StaticProviderConfigs
		if deps.StaticProviders != nil {
			providers = deps.StaticProviders
			staticConfigs = deps.StaticProviders.AsStaticProviderConfigs()
		}

		route, rerr := routing.RouteModels(req.Model, req.Fallbacks, providers)
		if rerr != nil {
			RespondGatewayError(w, r, routingErrorToAPIErr(rerr))
			return
		}

		auth := identity.FromContext(ctx)
		provider, rerr := routing.ResolveToProvider(ctx, route, staticConfigs, deps.ProviderDB, deps.Cache, deps.SecretResolver, auth)
		if rerr != nil {
			RespondGatewayError(w, r, routingErrorToAPIErr(rerr))
			return
		}

		dispatcher := deps.Dispatcher
		if dispatcher == nil {
			dispatcher = gateway.UnimplementedDispatcher{}
		}

		gwReq := &gateway.ChatRequest{Model: req.Model, Stream: req.Stream, Raw: body}
		if err := dispatcher.Dispatch(ctx, w, gwReq, provider, auth); err != nil {
			if gerr, ok := err.(*apierr.Error); ok {
				RespondGatewayError(w, r, gerr)
				return
			}
			RespondGatewayError(w, r, apierr.New(apierr.Internal, "dispatch failed: %s", err))
		}
	}
}

// routingErrorToAPIErr maps the routing package's closed ErrorCode taxonomy
// onto the apierr.Kind taxonomy the OpenAI-style envelope is built from.
func routingErrorToAPIErr(rerr *routing.RoutingError) *apierr.Error {
	kind := routingErrorKind(rerr.Code)
	return apierr.New(kind, "%s", rerr.Message)
}

func routingErrorKind(code routing.ErrorCode) apierr.Kind {
	switch code {
	case routing.ErrNoModel:
		return apierr.NoModel
	case routing.ErrProviderNotFound:
		return apierr.ProviderNotFound
	case routing.ErrNoDefaultProvider:
		return apierr.NoDefaultProvider
	case routing.ErrInvalidScope:
		return apierr.InvalidScope
	case routing.ErrMissingComponent:
		return apierr.MissingComponent
	case routing.ErrInvalidModelFormat:
		return apierr.InvalidModelFormat
	case routing.ErrConfigError:
		return apierr.ConfigError
	default:
		return apierr.Internal
	}
}
