// Package app wires every component together and starts the
// selected runtime mode: "api" serves the HTTP surface, "sweeper" runs the
// scheduled bulk token refresh job on a cron cadence.
package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker"

	"github.com/stripe-experiments/sync-data-stripe-app/internal/config"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/cryptoenv"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/db"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/httpserver"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/oauthflow"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/platform"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/provisioning"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/ratelimit"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/refresh"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/stripeoauth"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/supabase"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/sweeper"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/syncinstaller"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/telemetry"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/vault"
)

// Run reads configuration, connects to infrastructure, and starts the mode
// selected by cfg.Mode ("api" or "sweeper").
func Run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting tokenvault", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	key, err := hex.DecodeString(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("decoding ENCRYPTION_KEY: %w", err)
	}
	aead, err := cryptoenv.NewAEAD(key)
	if err != nil {
		return fmt.Errorf("initializing encryption: %w", err)
	}

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := newMetricsRegistry(telemetry.All()...)

	stripeClient := stripeoauth.New(
		stripeoauth.Credentials{ClientID: cfg.StripeAppClientIDTest, SecretKey: cfg.StripeSecretKeyTest},
		stripeoauth.Credentials{ClientID: cfg.StripeAppClientIDLive, SecretKey: cfg.StripeSecretKeyLive},
		cfg.StripeTokenURL,
	)

	v := vault.New(pool, aead, logger)
	refresher := refresh.New(v, stripeClient)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, pool, rdb, metricsReg, aead, stripeClient, v, refresher)
	case "sweeper":
		return runSweeper(ctx, cfg, logger, pool, refresher)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	pool *pgxpool.Pool,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	aead *cryptoenv.AEAD,
	stripeClient *stripeoauth.Client,
	v *vault.Vault,
	refresher *refresh.Adapter,
) error {
	flow := oauthflow.New(pool, aead, stripeClient, cfg.StripeAuthorizeURL, cfg.BaseURL,
		cfg.StripeAppClientIDTest, cfg.StripeAppClientIDLive, logger)

	supabaseBreaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "supabase",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 5 },
	})
	supabaseClient := supabase.NewClient(cfg.SupabaseBaseURL, cfg.SupabaseAccessToken, cfg.SupabaseOrganizationID, supabaseBreaker)

	installerBreaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "syncinstaller",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 5 },
	})
	installer := syncinstaller.New(cfg.SyncInstallerBaseURL, cfg.SyncInstallerAPIVersion, installerBreaker)

	waitTimeout := time.Duration(cfg.ProvisioningWaitDatabaseReadyTimeoutMS) * time.Millisecond
	locker := provisioning.PoolLocker{Pool: pool}
	engine := provisioning.New(pool, aead, supabaseClient, refresher, installer, locker, cfg.SupabaseRegion, waitTimeout, logger)

	sigLimiter := ratelimit.New(rdb, "reqsig", 20, 5*time.Minute)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		SignatureSecrets:   cfg.StripeAppSigningSecrets,
		SignatureTolerance: time.Duration(cfg.SignatureToleranceSeconds) * time.Second,
		MetricsPath:        cfg.MetricsPath,
	}, logger, pool, rdb, metricsReg, flow, engine, v, sigLimiter)

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
			return
		}
		errCh <- nil
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

// runSweeper starts the bulk token sweeper on a cron schedule and
// blocks until ctx is cancelled. A sweep also runs once immediately on
// startup rather than waiting for the first cron tick. Each run first
// garbage-collects expired single-use OAuth state rows.
func runSweeper(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, refresher *refresh.Adapter) error {
	sw := sweeper.New(pool, refresher, cfg.SweeperConcurrency, logger)

	runOnce := func() {
		if n, err := db.New(pool).DeleteExpiredStates(ctx, time.Now()); err != nil {
			logger.Error("expired oauth state cleanup failed", "error", err)
		} else if n > 0 {
			logger.Info("expired oauth states removed", "count", n)
		}

		summary, err := sw.Run(ctx, sweeper.Params{})
		if err != nil {
			logger.Error("sweeper run failed", "error", err)
			return
		}
		logger.Info("sweeper run complete",
			"total", summary.Total, "refreshed", summary.Refreshed,
			"failed", summary.Failed, "skipped", summary.Skipped)
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %dm", cfg.SweeperIntervalMinutes)
	if _, err := c.AddFunc(spec, runOnce); err != nil {
		return fmt.Errorf("scheduling sweeper cron job %q: %w", spec, err)
	}

	logger.Info("sweeper scheduled", "interval_minutes", cfg.SweeperIntervalMinutes)
	runOnce()
	c.Start()
	defer c.Stop()

	<-ctx.Done()
	logger.Info("shutting down sweeper")
	return nil
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func newMetricsRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors...)
	return reg
}
