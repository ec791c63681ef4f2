// Package refresh implements the just-in-time refresh adapter: it wraps
// the token vault and the OAuth exchange client to hand callers a
// currently-valid access token, refreshing with rotation when the stored
// token is near expiry.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe-experiments/sync-data-stripe-app/internal/stripeoauth"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/vault"
)

// skew is how far ahead of actual expiry a token is treated as no longer
// fresh, so a caller never receives a token that might expire mid-call.
const skew = 5 * time.Minute

// ErrNotConnected is returned when the tenant has no connection for the
// requested mode.
var ErrNotConnected = vault.ErrNotConnected

// ErrRefreshFailed wraps any failure encountered while refreshing; the
// stored row is left untouched when this is returned.
type ErrRefreshFailed struct {
	Err error
}

func (e *ErrRefreshFailed) Error() string { return fmt.Sprintf("refresh: refresh failed: %v", e.Err) }
func (e *ErrRefreshFailed) Unwrap() error { return e.Err }

// refresher is satisfied by *stripeoauth.Client; narrowed to an interface
// so tests can exercise the skew/rotation logic without a live upstream.
type refresher interface {
	Refresh(ctx context.Context, refreshToken string, mode stripeoauth.Mode) (stripeoauth.TokenResult, error)
}

// Adapter wraps a Vault and a token refresher.
type Adapter struct {
	vault  *vault.Vault
	stripe refresher
}

// New constructs an Adapter.
func New(v *vault.Vault, stripe refresher) *Adapter {
	return &Adapter{vault: v, stripe: stripe}
}

// GetFreshAccess returns a currently-valid access token for (tenantID,
// livemode), refreshing it first if it is within skew of expiry.
func (a *Adapter) GetFreshAccess(ctx context.Context, tenantID string, livemode bool) (string, error) {
	conn, err := a.loadConnection(ctx, tenantID, livemode)
	if err != nil {
		return "", err
	}

	if conn.AccessTokenExpiresAt.After(time.Now().Add(skew)) {
		return conn.AccessToken, nil
	}

	return a.refreshAndRotate(ctx, conn)
}

// RefreshNow unconditionally refreshes and rotates the stored pair for
// (tenantID, livemode), however far the access token is from expiry. The
// bulk sweeper works a much wider horizon than the just-in-time skew, so it
// must not be gated on it.
func (a *Adapter) RefreshNow(ctx context.Context, tenantID string, livemode bool) (string, error) {
	conn, err := a.loadConnection(ctx, tenantID, livemode)
	if err != nil {
		return "", err
	}
	return a.refreshAndRotate(ctx, conn)
}

func (a *Adapter) loadConnection(ctx context.Context, tenantID string, livemode bool) (vault.Connection, error) {
	conn, err := a.vault.GetConnection(ctx, tenantID, livemode)
	if err != nil {
		if errors.Is(err, vault.ErrNotConnected) {
			return vault.Connection{}, ErrNotConnected
		}
		return vault.Connection{}, fmt.Errorf("loading connection: %w", err)
	}
	return conn, nil
}

// refreshAndRotate performs one refresh call and persists the rotated pair
// before the new access token is returned to any caller. On failure the
// stored row is left untouched.
func (a *Adapter) refreshAndRotate(ctx context.Context, conn vault.Connection) (string, error) {
	mode := stripeoauth.ModeTest
	if conn.Livemode {
		mode = stripeoauth.ModeLive
	}

	result, err := a.stripe.Refresh(ctx, conn.RefreshToken, mode)
	if err != nil {
		return "", &ErrRefreshFailed{Err: err}
	}

	if err := a.vault.UpdateRotatedTokens(ctx, conn.TenantID, conn.Livemode, result.AccessToken, result.ExpiresAt, result.RefreshToken); err != nil {
		return "", &ErrRefreshFailed{Err: err}
	}

	return result.AccessToken, nil
}
