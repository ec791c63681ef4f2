package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Mode selects the runtime mode: "api" or "sweeper".
	Mode string `env:"TOKENVAULT_MODE" envDefault:"api"`

	// Server
	Host string `env:"TOKENVAULT_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"TOKENVAULT_PORT" envDefault:"8080"`

	// BaseURL is this service's externally reachable origin, used to build
	// the OAuth redirect_uri.
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	// Database
	DatabaseURL   string `env:"DATABASE_URL,required"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// Redis backs the signature-failure rate limiter.
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Telemetry
	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	// EncryptionKey is the hex-encoded 32-byte key used to seal every OAuth
	// token at rest. Required in every mode; both the api server and the
	// sweeper must hold the same key.
	EncryptionKey string `env:"ENCRYPTION_KEY,required"`

	// Stripe App OAuth credentials, split by livemode.
	StripeSecretKeyTest   string `env:"STRIPE_SECRET_KEY_TEST,required"`
	StripeSecretKeyLive   string `env:"STRIPE_SECRET_KEY_LIVE,required"`
	StripeAppClientIDTest string `env:"STRIPE_APP_CLIENT_ID_TEST,required"`
	StripeAppClientIDLive string `env:"STRIPE_APP_CLIENT_ID_LIVE,required"`

	// StripeAppSigningSecrets is a comma-separated rotation set; the newest
	// secret should be listed first.
	StripeAppSigningSecrets []string `env:"STRIPE_APP_SIGNING_SECRET,required" envSeparator:","`

	// SignatureToleranceSeconds bounds how far a request signature's
	// timestamp may drift from wall-clock now before it's treated as a
	// replay.
	SignatureToleranceSeconds int `env:"SIGNATURE_TOLERANCE_SECONDS" envDefault:"300"`

	// StripeAuthorizeURL and StripeTokenURL are the platform's OAuth
	// endpoints. Defaults match Stripe Connect's own App OAuth URLs.
	StripeAuthorizeURL string `env:"STRIPE_AUTHORIZE_URL" envDefault:"https://marketplace.stripe.com/oauth/v2/authorize"`
	StripeTokenURL     string `env:"STRIPE_TOKEN_URL" envDefault:"https://connect.stripe.com/oauth/token"`

	// Supabase control-plane credentials used by the provisioning engine.
	SupabaseAccessToken    string `env:"SUPABASE_ACCESS_TOKEN,required"`
	SupabaseOrganizationID string `env:"SUPABASE_ORGANIZATION_ID,required"`
	SupabaseRegion         string `env:"SUPABASE_REGION" envDefault:"us-east-1"`
	SupabaseBaseURL        string `env:"SUPABASE_BASE_URL" envDefault:"https://api.supabase.com"`

	// SyncInstallerBaseURL and SyncInstallerAPIVersion configure the opaque
	// sync artifact installer collaborator. APIVersion is attached to every
	// request the installer makes on the tenant's behalf.
	SyncInstallerBaseURL    string `env:"SYNC_INSTALLER_BASE_URL,required"`
	SyncInstallerAPIVersion string `env:"SYNC_INSTALLER_API_VERSION" envDefault:"2023-10-16"`

	// CORSAllowedOrigins lists the origins the dashboard-embedded UI is
	// served from.
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// ProvisioningWaitDatabaseReadyTimeoutMS bounds how long the tick engine
	// will stay in wait_database_ready before failing the run.
	ProvisioningWaitDatabaseReadyTimeoutMS int `env:"PROVISIONING_WAIT_DATABASE_READY_TIMEOUT_MS" envDefault:"600000"`

	// SweeperIntervalMinutes controls the cron cadence of the bulk token
	// sweeper when running in "sweeper" mode.
	SweeperIntervalMinutes int `env:"SWEEPER_INTERVAL_MINUTES" envDefault:"30"`

	// SweeperConcurrency bounds how many connections the sweeper refreshes
	// in parallel.
	SweeperConcurrency int64 `env:"SWEEPER_CONCURRENCY" envDefault:"5"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
