package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const connectionColumns = `tenant_id, livemode, scope, publishable_identifier,
	access_token_ct, access_token_expires_at,
	refresh_token_ct, refresh_token_rotated_at,
	created_at, updated_at`

func scanConnectionRow(row pgx.Row) (OAuthConnectionRow, error) {
	var r OAuthConnectionRow
	err := row.Scan(
		&r.TenantID, &r.Livemode, &r.Scope, &r.PublishableIdentifier,
		&r.AccessTokenCiphertext, &r.AccessTokenExpiresAt,
		&r.RefreshTokenCiphertext, &r.RefreshTokenRotatedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

func scanConnectionRows(rows pgx.Rows) ([]OAuthConnectionRow, error) {
	defer rows.Close()
	var items []OAuthConnectionRow
	for rows.Next() {
		var r OAuthConnectionRow
		if err := rows.Scan(
			&r.TenantID, &r.Livemode, &r.Scope, &r.PublishableIdentifier,
			&r.AccessTokenCiphertext, &r.AccessTokenExpiresAt,
			&r.RefreshTokenCiphertext, &r.RefreshTokenRotatedAt,
			&r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning oauth connection row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating oauth connection rows: %w", err)
	}
	return items, nil
}

// UpsertConnectionParams is the full set of columns written by a first-time
// authorization-code exchange.
type UpsertConnectionParams struct {
	TenantID               string
	Livemode               bool
	Scope                  string
	PublishableIdentifier  *string
	AccessTokenCiphertext  string
	AccessTokenExpiresAt   time.Time
	RefreshTokenCiphertext string
}

// UpsertConnection inserts a new connection or replaces an existing one for
// the same (tenant_id, livemode) key, setting refresh_token_rotated_at and
// updated_at to now in the same statement.
func (q *Queries) UpsertConnection(ctx context.Context, p UpsertConnectionParams) (OAuthConnectionRow, error) {
	query := `INSERT INTO oauth_connections (
			tenant_id, livemode, scope, publishable_identifier,
			access_token_ct, access_token_expires_at,
			refresh_token_ct, refresh_token_rotated_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now(), now())
		ON CONFLICT (tenant_id, livemode) DO UPDATE SET
			scope = EXCLUDED.scope,
			publishable_identifier = EXCLUDED.publishable_identifier,
			access_token_ct = EXCLUDED.access_token_ct,
			access_token_expires_at = EXCLUDED.access_token_expires_at,
			refresh_token_ct = EXCLUDED.refresh_token_ct,
			refresh_token_rotated_at = now(),
			updated_at = now()
		RETURNING ` + connectionColumns

	row := q.db.QueryRow(ctx, query,
		p.TenantID, p.Livemode, p.Scope, p.PublishableIdentifier,
		p.AccessTokenCiphertext, p.AccessTokenExpiresAt, p.RefreshTokenCiphertext,
	)
	return scanConnectionRow(row)
}

// GetConnection loads the connection for (tenantID, livemode). Returns
// pgx.ErrNoRows when absent.
func (q *Queries) GetConnection(ctx context.Context, tenantID string, livemode bool) (OAuthConnectionRow, error) {
	query := `SELECT ` + connectionColumns + ` FROM oauth_connections WHERE tenant_id = $1 AND livemode = $2`
	row := q.db.QueryRow(ctx, query, tenantID, livemode)
	return scanConnectionRow(row)
}

// UpdateRotatedTokens persists the result of a successful token refresh. The
// new refresh ciphertext must be written here before the caller hands the
// new access token to anyone: the platform invalidates the previous refresh
// token the instant it issues this one.
func (q *Queries) UpdateRotatedTokens(ctx context.Context, tenantID string, livemode bool, accessCT string, expiresAt time.Time, refreshCT string) error {
	query := `UPDATE oauth_connections SET
			access_token_ct = $3,
			access_token_expires_at = $4,
			refresh_token_ct = $5,
			refresh_token_rotated_at = now(),
			updated_at = now()
		WHERE tenant_id = $1 AND livemode = $2`

	tag, err := q.db.Exec(ctx, query, tenantID, livemode, accessCT, expiresAt, refreshCT)
	if err != nil {
		return fmt.Errorf("updating rotated tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListConnections returns every livemode connection for a tenant.
func (q *Queries) ListConnections(ctx context.Context, tenantID string) ([]OAuthConnectionRow, error) {
	query := `SELECT ` + connectionColumns + ` FROM oauth_connections WHERE tenant_id = $1 ORDER BY livemode`
	rows, err := q.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing oauth connections: %w", err)
	}
	return scanConnectionRows(rows)
}

// DeleteConnection removes a tenant's connection for one livemode.
func (q *Queries) DeleteConnection(ctx context.Context, tenantID string, livemode bool) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM oauth_connections WHERE tenant_id = $1 AND livemode = $2`, tenantID, livemode)
	if err != nil {
		return fmt.Errorf("deleting oauth connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ExpiringSoon returns up to limit connection rows whose access token
// expires within horizon of now, for the bulk sweeper. If includeAll is
// true, horizon is ignored and every row is returned (bounded by limit),
// the sweeper's force_all mode.
func (q *Queries) ExpiringSoon(ctx context.Context, now time.Time, horizon time.Duration, includeAll bool, limit int) ([]OAuthConnectionRow, error) {
	query := `SELECT ` + connectionColumns + ` FROM oauth_connections
		WHERE $1 OR access_token_expires_at <= $2
		ORDER BY access_token_expires_at ASC
		LIMIT $3`
	rows, err := q.db.Query(ctx, query, includeAll, now.Add(horizon), limit)
	if err != nil {
		return nil, fmt.Errorf("selecting expiring oauth connections: %w", err)
	}
	return scanConnectionRows(rows)
}
