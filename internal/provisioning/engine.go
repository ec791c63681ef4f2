package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stripe-experiments/sync-data-stripe-app/internal/cryptoenv"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/db"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/platform"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/supabase"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/telemetry"
)

// PoolLocker adapts a pgx connection pool to the locker interface via
// platform.WithTenantLock, for production wiring.
type PoolLocker struct {
	Pool *pgxpool.Pool
}

func (l PoolLocker) WithTenantLock(ctx context.Context, tenantID string, fn func(ctx context.Context) error) (bool, error) {
	return platform.WithTenantLock(ctx, l.Pool, tenantID, fn)
}

// ErrNotProvisioned is returned when an operation requires an existing
// provisioning row and none exists.
var ErrNotProvisioned = errors.New("provisioning: tenant has no provisioning row")

// ErrLockBusy is returned by Deprovision when another invocation already
// holds the tenant's advisory lock.
var ErrLockBusy = errors.New("provisioning: tenant lock busy")

// controlPlane is the subset of the managed-Postgres control plane client
// the engine needs, narrowed so tests can inject a fake.
type controlPlane interface {
	CreateProject(ctx context.Context, p supabase.CreateProjectParams) (supabase.Project, error)
	RunQuery(ctx context.Context, projectRef, sql string) ([]map[string]any, error)
	DeleteProject(ctx context.Context, projectRef string) error
}

// tokenRefresher is satisfied by *refresh.Adapter.
type tokenRefresher interface {
	GetFreshAccess(ctx context.Context, tenantID string, livemode bool) (string, error)
}

// installer is satisfied by *syncinstaller.Installer.
type installer interface {
	Install(ctx context.Context, accessToken string) error
}

// locker runs fn while holding a per-tenant advisory lock, returning
// whether the lock was acquired.
type locker interface {
	WithTenantLock(ctx context.Context, tenantID string, fn func(ctx context.Context) error) (bool, error)
}

// Engine owns the provisioning FSM: starting a run, ticking it forward, and
// tearing it down.
type Engine struct {
	dbtx        db.DBTX
	aead        *cryptoenv.AEAD
	control     controlPlane
	refresher   tokenRefresher
	installer   installer
	locker      locker
	region      string
	waitTimeout time.Duration
	logger      *slog.Logger
}

// New constructs an Engine. waitTimeout <= 0 falls back to the default
// 10-minute bound on wait_database_ready.
func New(dbtx db.DBTX, aead *cryptoenv.AEAD, control controlPlane, refresher tokenRefresher, inst installer, lk locker, region string, waitTimeout time.Duration, logger *slog.Logger) *Engine {
	if waitTimeout <= 0 {
		waitTimeout = defaultWaitTimeout
	}
	return &Engine{
		dbtx:        dbtx,
		aead:        aead,
		control:     control,
		refresher:   refresher,
		installer:   inst,
		locker:      lk,
		region:      region,
		waitTimeout: waitTimeout,
		logger:      logger,
	}
}

// GetStatus loads the tenant's provisioning row. found is false if the
// tenant has never started provisioning.
func (e *Engine) GetStatus(ctx context.Context, tenantID string) (row db.ProvisionedDatabaseRow, found bool, err error) {
	row, err = db.New(e.dbtx).GetProvisionedDatabase(ctx, tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return db.ProvisionedDatabaseRow{}, false, nil
		}
		return db.ProvisionedDatabaseRow{}, false, fmt.Errorf("loading provisioning row: %w", err)
	}
	return row, true, nil
}

// IsTerminal reports whether status is a terminal FSM state.
func IsTerminal(status string) bool {
	return status == StatusReady || status == StatusError
}

// StartProvisioning begins a new provisioning run: it mints a random
// database password, creates the external project, and persists the
// initial pending row. The plaintext password is transmitted to the
// control plane here and nowhere else.
func (e *Engine) StartProvisioning(ctx context.Context, tenantID string) (projectRef string, err error) {
	password, err := generatePassword(24)
	if err != nil {
		return "", err
	}
	passwordCT, err := e.aead.EncryptString(password)
	if err != nil {
		return "", fmt.Errorf("encrypting provisioning password: %w", err)
	}

	project, err := e.control.CreateProject(ctx, supabase.CreateProjectParams{
		Name:       "tenant-" + tenantID,
		Region:     e.region,
		DBPassword: password,
	})
	if err != nil {
		return "", fmt.Errorf("creating managed database project: %w", err)
	}

	connectionHost := fmt.Sprintf("aws-1-%s.pooler.supabase.com", e.region)
	step := StepCreateProject
	if _, err := db.New(e.dbtx).CreateProvisionedDatabase(ctx, db.CreateProvisionedDatabaseParams{
		TenantID:       tenantID,
		ProjectRef:     project.Ref,
		DBPasswordCT:   passwordCT,
		ConnectionHost: connectionHost,
		Region:         e.region,
		InstallStep:    step,
	}); err != nil {
		return "", fmt.Errorf("persisting provisioning row: %w", err)
	}

	return project.Ref, nil
}

// ConnectionString materializes the Postgres connection URL for a ready
// provisioning row by decrypting the stored password on demand. Returns an
// error if the row is not in the ready state.
func (e *Engine) ConnectionString(ctx context.Context, tenantID string) (string, error) {
	row, found, err := e.GetStatus(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotProvisioned
	}
	if row.InstallStatus != StatusReady {
		return "", fmt.Errorf("provisioning: connection string unavailable while status=%s", row.InstallStatus)
	}
	password, err := e.aead.DecryptString(row.DBPasswordCT)
	if err != nil {
		return "", fmt.Errorf("decrypting provisioning password: %w", err)
	}
	return fmt.Sprintf("postgresql://postgres.%s:%s@%s:5432/postgres", row.ProjectRef, password, row.ConnectionHost), nil
}

// Tick runs exactly one bounded advancement of the tenant's FSM under its
// advisory lock. If the lock is already held elsewhere, Tick is a silent
// no-op; the next poll will retry. A tick that errors internally is
// logged and swallowed: callers (the status endpoint) must not fail a poll
// because one tick's external call failed.
func (e *Engine) Tick(ctx context.Context, tenantID string) {
	start := time.Now()
	defer func() { telemetry.ProvisioningTickDuration.Observe(time.Since(start).Seconds()) }()

	acquired, err := e.locker.WithTenantLock(ctx, tenantID, func(ctx context.Context) error {
		return e.doTick(ctx, tenantID)
	})
	if err != nil {
		telemetry.ProvisioningTicksTotal.WithLabelValues("error").Inc()
		e.logger.Error("provisioning tick failed", "tenant_id", tenantID, "error", err)
		return
	}
	if !acquired {
		telemetry.ProvisioningTicksTotal.WithLabelValues("lock_busy").Inc()
		e.logger.Debug("provisioning tick skipped, lock busy", "tenant_id", tenantID)
		return
	}
	telemetry.ProvisioningTicksTotal.WithLabelValues("ok").Inc()
}

func (e *Engine) doTick(ctx context.Context, tenantID string) error {
	row, found, err := e.GetStatus(ctx, tenantID)
	if err != nil {
		return err
	}
	if !found || IsTerminal(row.InstallStatus) {
		return nil
	}

	step := ""
	if row.InstallStep != nil {
		step = *row.InstallStep
	}

	switch {
	case row.InstallStatus == StatusPending || step == "" || step == StepCreateProject:
		return e.advance(ctx, tenantID, StatusProvisioning, StepWaitDatabaseReady)

	case row.InstallStatus == StatusProvisioning && step == StepWaitDatabaseReady:
		return e.tickWaitDatabaseReady(ctx, tenantID, row)

	case row.InstallStatus == StatusInstalling && step == StepApplySchema:
		return e.advance(ctx, tenantID, StatusInstalling, StepVerifyConnection)

	case row.InstallStatus == StatusInstalling && step == StepVerifyConnection:
		return e.advance(ctx, tenantID, StatusSyncing, StepStartSync)

	case row.InstallStatus == StatusSyncing && step == StepStartSync:
		return e.tickStartSync(ctx, tenantID)

	case row.InstallStatus == StatusSyncing && step == StepVerifySync:
		return e.tickVerifySync(ctx, tenantID, row)

	default:
		// Unknown (status, step) pair: reset to a known-good state rather
		// than get stuck.
		return e.advance(ctx, tenantID, StatusProvisioning, StepWaitDatabaseReady)
	}
}

func (e *Engine) tickWaitDatabaseReady(ctx context.Context, tenantID string, row db.ProvisionedDatabaseRow) error {
	_, err := e.control.RunQuery(ctx, row.ProjectRef, "SELECT 1")
	if err == nil {
		_, err = e.control.RunQuery(ctx, row.ProjectRef, "select schema_name from information_schema.schemata where schema_name = 'stripe'")
	}
	if err == nil {
		return e.advance(ctx, tenantID, StatusInstalling, StepApplySchema)
	}

	if isAuthFailure(err) {
		return e.fail(ctx, tenantID, err)
	}
	if time.Since(row.UpdatedAt) > e.waitTimeout {
		return e.fail(ctx, tenantID, fmt.Errorf("database not ready after %s: %w", e.waitTimeout, err))
	}
	// Stay in place; the next poll will retry the readiness probe.
	return nil
}

func (e *Engine) tickStartSync(ctx context.Context, tenantID string) error {
	accessToken, err := e.freshAccessToken(ctx, tenantID)
	if err != nil {
		return e.fail(ctx, tenantID, err)
	}
	if err := e.installer.Install(ctx, accessToken); err != nil {
		return e.fail(ctx, tenantID, err)
	}
	return e.advance(ctx, tenantID, StatusSyncing, StepVerifySync)
}

// freshAccessToken tries the tenant's live connection first, falling back
// to test: provisioning is independent of livemode, but most tenants that
// provision a managed database are acting on their live account.
func (e *Engine) freshAccessToken(ctx context.Context, tenantID string) (string, error) {
	token, err := e.refresher.GetFreshAccess(ctx, tenantID, true)
	if err == nil {
		return token, nil
	}
	token, testErr := e.refresher.GetFreshAccess(ctx, tenantID, false)
	if testErr == nil {
		return token, nil
	}
	return "", fmt.Errorf("no usable connection for tenant (live: %v, test: %v)", err, testErr)
}

func (e *Engine) tickVerifySync(ctx context.Context, tenantID string, row db.ProvisionedDatabaseRow) error {
	if time.Since(row.UpdatedAt) < verifySyncDelay {
		return nil
	}
	return e.advance(ctx, tenantID, StatusReady, StepDone)
}

func (e *Engine) advance(ctx context.Context, tenantID, status, step string) error {
	s := step
	if err := db.New(e.dbtx).AdvanceProvisioning(ctx, tenantID, status, &s, nil); err != nil {
		return fmt.Errorf("advancing to %s/%s: %w", status, step, err)
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, tenantID string, cause error) error {
	msg := sanitizeError(cause.Error())
	if err := db.New(e.dbtx).AdvanceProvisioning(ctx, tenantID, StatusError, nil, &msg); err != nil {
		return fmt.Errorf("recording provisioning failure: %w", err)
	}
	e.logger.Warn("provisioning run failed", "tenant_id", tenantID, "error", msg)
	return nil
}

func isAuthFailure(err error) bool {
	var upstream *supabase.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Status == 401 || upstream.Status == 403
	}
	return false
}

// Deprovision tears down a tenant's managed database: the external project
// is deleted first, then the local row, both under the tenant's advisory
// lock. Returns ErrLockBusy if the lock is held, ErrNotProvisioned if no
// row exists.
func (e *Engine) Deprovision(ctx context.Context, tenantID string) error {
	_, found, err := e.GetStatus(ctx, tenantID)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotProvisioned
	}

	acquired, err := e.locker.WithTenantLock(ctx, tenantID, func(ctx context.Context) error {
		row, found, err := e.GetStatus(ctx, tenantID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotProvisioned
		}
		if err := e.control.DeleteProject(ctx, row.ProjectRef); err != nil {
			return fmt.Errorf("deleting external project: %w", err)
		}
		if err := db.New(e.dbtx).DeleteProvisionedDatabase(ctx, tenantID); err != nil {
			return fmt.Errorf("deleting provisioning row: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLockBusy
	}
	return nil
}

// RetryFromError deletes an error-terminal row so the caller can restart
// provisioning from scratch. No-op (returns nil) if no row exists.
func (e *Engine) RetryFromError(ctx context.Context, tenantID string) error {
	if err := db.New(e.dbtx).DeleteProvisionedDatabase(ctx, tenantID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("clearing errored provisioning row: %w", err)
	}
	return nil
}
