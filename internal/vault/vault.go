// Package vault implements the token vault: encrypted-at-rest storage
// of per-tenant OAuth access and refresh tokens, keyed by (tenant_id,
// livemode). Every read decrypts through internal/cryptoenv; every write
// that rotates a refresh token persists the new ciphertext before returning
// control to the caller, since the platform invalidates the previous
// refresh token the instant it issues a new one.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stripe-experiments/sync-data-stripe-app/internal/cryptoenv"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/db"
)

// ErrNotConnected is returned when no connection row exists for the
// requested (tenant, livemode) key.
var ErrNotConnected = errors.New("vault: tenant has no connection for this mode")

// Connection is the decrypted view of an oauth_connections row. It never
// crosses a log line or leaves process memory except inside an outbound
// HTTPS call.
type Connection struct {
	TenantID              string
	Livemode              bool
	Scope                 string
	PublishableIdentifier *string
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenRotatedAt time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Vault wraps the persistence layer with the AEAD envelope.
type Vault struct {
	queries *db.Queries
	aead    *cryptoenv.AEAD
	logger  *slog.Logger
}

// New constructs a Vault over the given DBTX (a pool, an acquired
// connection, or a transaction).
func New(dbtx db.DBTX, aead *cryptoenv.AEAD, logger *slog.Logger) *Vault {
	return &Vault{queries: db.New(dbtx), aead: aead, logger: logger}
}

// UpsertParams is the plaintext input to a first-time token exchange.
type UpsertParams struct {
	TenantID              string
	Livemode              bool
	Scope                 string
	PublishableIdentifier *string
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
}

// UpsertConnection encrypts both tokens and writes (or replaces) the
// connection row for (tenant_id, livemode).
func (v *Vault) UpsertConnection(ctx context.Context, p UpsertParams) (Connection, error) {
	accessCT, err := v.aead.EncryptString(p.AccessToken)
	if err != nil {
		return Connection{}, fmt.Errorf("encrypting access token: %w", err)
	}
	refreshCT, err := v.aead.EncryptString(p.RefreshToken)
	if err != nil {
		return Connection{}, fmt.Errorf("encrypting refresh token: %w", err)
	}

	row, err := v.queries.UpsertConnection(ctx, db.UpsertConnectionParams{
		TenantID:               p.TenantID,
		Livemode:               p.Livemode,
		Scope:                  p.Scope,
		PublishableIdentifier:  p.PublishableIdentifier,
		AccessTokenCiphertext:  accessCT,
		AccessTokenExpiresAt:   p.AccessTokenExpiresAt,
		RefreshTokenCiphertext: refreshCT,
	})
	if err != nil {
		return Connection{}, fmt.Errorf("upserting connection: %w", err)
	}
	return v.decryptRow(row)
}

// GetConnection loads and decrypts the connection for (tenantID, livemode).
func (v *Vault) GetConnection(ctx context.Context, tenantID string, livemode bool) (Connection, error) {
	row, err := v.queries.GetConnection(ctx, tenantID, livemode)
	if errors.Is(err, pgx.ErrNoRows) {
		return Connection{}, ErrNotConnected
	}
	if err != nil {
		return Connection{}, fmt.Errorf("loading connection: %w", err)
	}
	return v.decryptRow(row)
}

// UpdateRotatedTokens encrypts and persists the result of a successful
// refresh. The write happens before this method returns, so by the time a
// caller receives the new access token the new refresh ciphertext is
// already durable.
func (v *Vault) UpdateRotatedTokens(ctx context.Context, tenantID string, livemode bool, accessToken string, accessExpiresAt time.Time, refreshToken string) error {
	accessCT, err := v.aead.EncryptString(accessToken)
	if err != nil {
		return fmt.Errorf("encrypting access token: %w", err)
	}
	refreshCT, err := v.aead.EncryptString(refreshToken)
	if err != nil {
		return fmt.Errorf("encrypting refresh token: %w", err)
	}
	if err := v.queries.UpdateRotatedTokens(ctx, tenantID, livemode, accessCT, accessExpiresAt, refreshCT); err != nil {
		return fmt.Errorf("persisting rotated tokens: %w", err)
	}
	return nil
}

// ListConnections returns every livemode connection for a tenant, decrypted.
func (v *Vault) ListConnections(ctx context.Context, tenantID string) ([]Connection, error) {
	rows, err := v.queries.ListConnections(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	out := make([]Connection, 0, len(rows))
	for _, row := range rows {
		c, err := v.decryptRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteConnection removes a tenant's connection for one livemode.
func (v *Vault) DeleteConnection(ctx context.Context, tenantID string, livemode bool) error {
	if err := v.queries.DeleteConnection(ctx, tenantID, livemode); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotConnected
		}
		return fmt.Errorf("deleting connection: %w", err)
	}
	return nil
}

func (v *Vault) decryptRow(row db.OAuthConnectionRow) (Connection, error) {
	access, err := v.aead.DecryptString(row.AccessTokenCiphertext)
	if err != nil {
		return Connection{}, fmt.Errorf("decrypting access token: %w", err)
	}
	refresh, err := v.aead.DecryptString(row.RefreshTokenCiphertext)
	if err != nil {
		return Connection{}, fmt.Errorf("decrypting refresh token: %w", err)
	}
	return Connection{
		TenantID:              row.TenantID,
		Livemode:              row.Livemode,
		Scope:                 row.Scope,
		PublishableIdentifier: row.PublishableIdentifier,
		AccessToken:           access,
		AccessTokenExpiresAt:  row.AccessTokenExpiresAt,
		RefreshToken:          refresh,
		RefreshTokenRotatedAt: row.RefreshTokenRotatedAt,
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
	}, nil
}
