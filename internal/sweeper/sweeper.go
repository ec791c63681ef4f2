// Package sweeper implements the scheduled bulk token refresh job: it
// selects connections nearing expiry, refreshes them in bounded-parallel
// batches, and writes back with rotation. Concurrency is capped by a
// semaphore so a large backlog cannot stampede the token endpoint.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/stripe-experiments/sync-data-stripe-app/internal/db"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/telemetry"
)

const (
	defaultHorizon    = 35 * time.Minute
	defaultBatchLimit = 200
)

// refresher is satisfied by *refresh.Adapter. The sweeper always uses the
// unconditional path: every selected row gets a real refresh-and-rotate,
// even when its access token is still outside the just-in-time skew.
type refresher interface {
	RefreshNow(ctx context.Context, tenantID string, livemode bool) (string, error)
}

// Sweeper runs one bulk-refresh pass over near-expiry connections.
type Sweeper struct {
	dbtx        db.DBTX
	refresher   refresher
	concurrency int64
	logger      *slog.Logger
}

// New constructs a Sweeper. concurrency <= 0 falls back to 5.
func New(dbtx db.DBTX, refresher refresher, concurrency int64, logger *slog.Logger) *Sweeper {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Sweeper{dbtx: dbtx, refresher: refresher, concurrency: concurrency, logger: logger}
}

// Params configure one sweep invocation.
type Params struct {
	// ForceAll sweeps every connection regardless of expiry, for
	// operator-triggered full refreshes.
	ForceAll bool
	// DryRun logs what would happen without calling upstream or writing
	// back.
	DryRun bool
}

// FailureEntry is a redacted record of one failed refresh: enough to
// correlate with logs, never enough to identify the tenant outright.
type FailureEntry struct {
	TenantIDSuffix string
	Livemode       bool
	Kind           string
}

// Summary is the outcome of one sweep.
type Summary struct {
	Total     int
	Refreshed int
	Failed    int
	Skipped   int
	Failures  []FailureEntry
}

// Run selects up to 200 connections expiring within 35 minutes (or all
// connections, if ForceAll), refreshes them with bounded parallelism, and
// returns a summary. Individual refresh failures do not abort the sweep.
func (s *Sweeper) Run(ctx context.Context, p Params) (Summary, error) {
	start := time.Now()
	defer func() { telemetry.SweeperRunDuration.Observe(time.Since(start).Seconds()) }()

	rows, err := db.New(s.dbtx).ExpiringSoon(ctx, time.Now(), defaultHorizon, p.ForceAll, defaultBatchLimit)
	if err != nil {
		return Summary{}, fmt.Errorf("selecting expiring connections: %w", err)
	}

	summary := Summary{Total: len(rows)}
	if len(rows) == 0 {
		return summary, nil
	}

	var mu sync.Mutex // guards summary mutation from concurrent goroutines

	sem := semaphore.NewWeighted(s.concurrency)
	g, gCtx := errgroup.WithContext(ctx)

	for _, row := range rows {
		row := row
		if err := sem.Acquire(gCtx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			s.processOne(gCtx, row, p, &summary, &mu)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, fmt.Errorf("sweeping connections: %w", err)
	}

	telemetry.SweeperLastRunSummary.WithLabelValues("refreshed").Set(float64(summary.Refreshed))
	telemetry.SweeperLastRunSummary.WithLabelValues("failed").Set(float64(summary.Failed))
	telemetry.SweeperLastRunSummary.WithLabelValues("skipped").Set(float64(summary.Skipped))

	return summary, nil
}

func (s *Sweeper) processOne(ctx context.Context, row db.OAuthConnectionRow, p Params, summary *Summary, mu *sync.Mutex) {
	if p.DryRun {
		s.logger.Info("sweeper dry run: would refresh",
			"tenant_id_suffix", suffix(row.TenantID), "livemode", row.Livemode)
		mu.Lock()
		summary.Skipped++
		mu.Unlock()
		return
	}

	_, err := s.refresher.RefreshNow(ctx, row.TenantID, row.Livemode)

	mu.Lock()
	defer mu.Unlock()

	livemodeLabel := "false"
	if row.Livemode {
		livemodeLabel = "true"
	}

	if err != nil {
		summary.Failed++
		summary.Failures = append(summary.Failures, FailureEntry{
			TenantIDSuffix: suffix(row.TenantID),
			Livemode:       row.Livemode,
			Kind:           errorKind(err),
		})
		telemetry.TokensRefreshFailedTotal.WithLabelValues("sweeper").Inc()
		s.logger.Warn("sweeper refresh failed",
			"tenant_id_suffix", suffix(row.TenantID), "livemode", row.Livemode, "error", err)
		return
	}

	summary.Refreshed++
	telemetry.TokensRefreshedTotal.WithLabelValues("sweeper", livemodeLabel).Inc()
}

func suffix(tenantID string) string {
	if len(tenantID) <= 6 {
		return tenantID
	}
	return tenantID[len(tenantID)-6:]
}

func errorKind(err error) string {
	return fmt.Sprintf("%T", err)
}
