// Package httpserver implements the HTTP surface: the three
// signature-authenticated endpoints (/status, /provision POST/DELETE) plus
// the public OAuth install/callback pair, mounted on a chi router behind a
// shared middleware stack (request ID, structured logging, Prometheus,
// panic recovery, CORS).
package httpserver

import (
	"errors"
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

	"github.com/stripe-experiments/sync-data-stripe-app/internal/oauthflow"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/provisioning"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/ratelimit"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/reqauth"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/stripeoauth"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/vault"
)

// ServerConfig carries the small set of knobs NewServer needs beyond its
// collaborators.
type ServerConfig struct {
	CORSAllowedOrigins []string
	SignatureSecrets   []string
	SignatureTolerance time.Duration
	MetricsPath        string
}

// Server holds the HTTP server's dependencies and mounts its routes.
type Server struct {
	Router    *chi.Mux
	logger    *slog.Logger
	db        *pgxpool.Pool
	redis     *redis.Client
	metrics   *prometheus.Registry
	flow      *oauthflow.Flow
	engine    *provisioning.Engine
	vault     *vault.Vault
	startedAt time.Time
}

// NewServer builds the router and mounts the full HTTP surface.
func NewServer(cfg ServerConfig, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, flow *oauthflow.Flow, engine *provisioning.Engine, v *vault.Vault, sigLimiter *ratelimit.Limiter) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		logger:    logger,
		db:        db,
		redis:     rdb,
		metrics:   metricsReg,
		flow:      flow,
		engine:    engine,
		vault:     v,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", reqauth.SignatureHeaderName, "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Unauthenticated operational endpoints.
	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle(metricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	// Unauthenticated OAuth install/callback flow.
	s.Router.Get("/oauth/install", s.handleOAuthInstall)
	s.Router.Get("/oauth/callback", s.handleOAuthCallback)

	// Signature-authenticated surface (reqauth middleware), with a
	// per-client-IP failure throttle ahead of verification.
	s.Router.Group(func(r chi.Router) {
		r.Use(reqauth.MiddlewareWithRateLimit(cfg.SignatureSecrets, cfg.SignatureTolerance, sigLimiter))
		r.Get("/status", s.handleStatus)
		r.Post("/provision", s.handleProvisionStart)
		r.Delete("/provision", s.handleProvisionStop)
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

	if err := s.db.Ping(ctx); err != nil {
		s.logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		s.logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleOAuthInstall issues a fresh single-use state and redirects the user
// to the platform's authorize URL. GET /oauth/install?mode=test|live.
func (s *Server) handleOAuthInstall(w http.ResponseWriter, r *http.Request) {
	mode, err := parseMode(r.URL.Query().Get("mode"))
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "misconfigured", err.Error())
		return
	}

	redirectURL, err := s.flow.Install(r.Context(), mode)
	if err != nil {
		s.logger.Error("oauth install failed", "error", err)
		RespondError(w, http.StatusInternalServerError, "misconfigured", "could not start install")
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// handleOAuthCallback completes the authorization-code exchange. It never
// echoes the code or any token, in the response or in logs.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		RespondError(w, http.StatusBadRequest, "bad_request", "missing code")
		return
	}

	var state, accountHint *string
	if v := r.URL.Query().Get("state"); v != "" {
		state = &v
	}
	if v := r.URL.Query().Get("account_hint"); v != "" {
		accountHint = &v
	}

	err := s.flow.Callback(r.Context(), code, state, accountHint)
	if err != nil {
		if errors.Is(err, oauthflow.ErrInvalidState) {
			RespondError(w, http.StatusForbidden, "invalid_state", "state is invalid or has expired")
			return
		}
		s.logger.Error("oauth callback failed", "error", err)
		RespondError(w, http.StatusBadRequest, "bad_request", "could not complete installation")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<html><body><p>Connection established. You can close this window.</p></body></html>"))
}

// provisionStatusResponse is the uniform progress view returned by GET
// /status and both /provision methods.
type provisionStatusResponse struct {
	Status           string  `json:"status"`
	Step             *string `json:"step"`
	ErrorMessage     *string `json:"error_message"`
	ConnectionString *string `json:"connection_string,omitempty"`
	ProjectRef       string  `json:"project_ref,omitempty"`
	CreatedAt        *string `json:"created_at,omitempty"`
}

// handleStatus loads the FSM row for the authenticated tenant, runs exactly
// one tick if it's non-terminal, and returns a normalized progress record. A
// tick failure is logged and never fails the response. tenant_id always
// comes from the cryptographically verified identity, never a client value.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	identity, ok := reqauth.FromContext(r.Context())
	if !ok {
		RespondAuthFailure(w, reqauth.InvalidSignature, "request not authenticated")
		return
	}
	tenantID := identity.AccountID

	connections, err := s.vault.ListConnections(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("status: listing connections failed", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "could not load connection state")
		return
	}
	if len(connections) == 0 {
		RespondError(w, http.StatusUnauthorized, "not_connected", "tenant has not completed OAuth install")
		return
	}

	row, found, err := s.engine.GetStatus(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("status: loading provisioning row failed", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "could not load provisioning state")
		return
	}
	if !found {
		Respond(w, http.StatusOK, provisionStatusResponse{Status: "not_provisioned"})
		return
	}

	if !provisioning.IsTerminal(row.InstallStatus) {
		s.engine.Tick(r.Context(), tenantID)
		row, found, err = s.engine.GetStatus(r.Context(), tenantID)
		if err != nil || !found {
			s.logger.Error("status: reloading provisioning row after tick failed", "error", err)
			RespondError(w, http.StatusInternalServerError, "internal_error", "could not load provisioning state")
			return
		}
	}

	resp := provisionStatusResponse{
		Status:       row.InstallStatus,
		Step:         row.InstallStep,
		ErrorMessage: row.ErrorMessage,
		ProjectRef:   row.ProjectRef,
	}
	created := row.CreatedAt.UTC().Format(time.RFC3339)
	resp.CreatedAt = &created

	if row.InstallStatus == provisioning.StatusReady {
		connStr, err := s.engine.ConnectionString(r.Context(), tenantID)
		if err != nil {
			s.logger.Error("status: materializing connection string failed", "error", err)
		} else {
			resp.ConnectionString = &connStr
		}
	}

	Respond(w, http.StatusOK, resp)
}

// handleProvisionStart implements POST /provision: idempotent on an active
// run, clears and restarts an errored run, and begins a fresh run when none
// exists.
func (s *Server) handleProvisionStart(w http.ResponseWriter, r *http.Request) {
	identity, ok := reqauth.FromContext(r.Context())
	if !ok {
		RespondAuthFailure(w, reqauth.InvalidSignature, "request not authenticated")
		return
	}
	tenantID := identity.AccountID
	ctx := r.Context()

	row, found, err := s.engine.GetStatus(ctx, tenantID)
	if err != nil {
		s.logger.Error("provision: loading status failed", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "could not load provisioning state")
		return
	}

	if found && row.InstallStatus == provisioning.StatusError {
		if err := s.engine.RetryFromError(ctx, tenantID); err != nil {
			s.logger.Error("provision: clearing errored run failed", "error", err)
			RespondError(w, http.StatusInternalServerError, "internal_error", "could not restart provisioning")
			return
		}
		found = false
	}

	if found {
		Respond(w, http.StatusOK, provisionStatusResponse{
			Status:       row.InstallStatus,
			Step:         row.InstallStep,
			ErrorMessage: row.ErrorMessage,
			ProjectRef:   row.ProjectRef,
		})
		return
	}

	projectRef, err := s.engine.StartProvisioning(ctx, tenantID)
	if err != nil {
		s.logger.Error("provision: starting run failed", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "could not start provisioning")
		return
	}

	step := provisioning.StepCreateProject
	Respond(w, http.StatusAccepted, provisionStatusResponse{
		Status:     provisioning.StatusPending,
		Step:       &step,
		ProjectRef: projectRef,
	})
}

// handleProvisionStop implements DELETE /provision: tears down the external
// project then the local row, both under the tenant's advisory lock.
func (s *Server) handleProvisionStop(w http.ResponseWriter, r *http.Request) {
	identity, ok := reqauth.FromContext(r.Context())
	if !ok {
		RespondAuthFailure(w, reqauth.InvalidSignature, "request not authenticated")
		return
	}
	tenantID := identity.AccountID

	err := s.engine.Deprovision(r.Context(), tenantID)
	switch {
	case err == nil:
		Respond(w, http.StatusOK, map[string]string{"status": "deleted"})
	case errors.Is(err, provisioning.ErrNotProvisioned):
		Respond(w, http.StatusOK, map[string]string{"status": "not_provisioned"})
	case errors.Is(err, provisioning.ErrLockBusy):
		RespondError(w, http.StatusConflict, "lock_busy", "a provisioning tick is in progress, try again shortly")
	default:
		s.logger.Error("deprovision failed", "tenant_id", tenantID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "could not delete provisioned database")
	}
}

func parseMode(raw string) (stripeoauth.Mode, error) {
	switch raw {
	case "", "test":
		return stripeoauth.ModeTest, nil
	case "live":
		return stripeoauth.ModeLive, nil
	default:
		return "", errInvalidMode
	}
}

var errInvalidMode = errors.New("httpserver: mode must be \"test\" or \"live\"")
