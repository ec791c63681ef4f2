package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const provisionedDatabaseColumns = `tenant_id, project_ref, db_password_ct, connection_host,
	region, install_status, install_step, error_message, created_at, updated_at`

func scanProvisionedDatabaseRow(row pgx.Row) (ProvisionedDatabaseRow, error) {
	var r ProvisionedDatabaseRow
	err := row.Scan(
		&r.TenantID, &r.ProjectRef, &r.DBPasswordCT, &r.ConnectionHost,
		&r.Region, &r.InstallStatus, &r.InstallStep, &r.ErrorMessage,
		&r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

// CreateProvisionedDatabaseParams seeds a new provisioning run.
type CreateProvisionedDatabaseParams struct {
	TenantID       string
	ProjectRef     string
	DBPasswordCT   string
	ConnectionHost string
	Region         string
	InstallStep    string
}

// CreateProvisionedDatabase inserts the initial pending row for a new
// provisioning run.
func (q *Queries) CreateProvisionedDatabase(ctx context.Context, p CreateProvisionedDatabaseParams) (ProvisionedDatabaseRow, error) {
	query := `INSERT INTO provisioned_databases (
			tenant_id, project_ref, db_password_ct, connection_host, region,
			install_status, install_step, error_message, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 'pending', $6, NULL, now(), now())
		RETURNING ` + provisionedDatabaseColumns

	row := q.db.QueryRow(ctx, query, p.TenantID, p.ProjectRef, p.DBPasswordCT, p.ConnectionHost, p.Region, p.InstallStep)
	return scanProvisionedDatabaseRow(row)
}

// GetProvisionedDatabase loads the provisioning row for a tenant. Returns
// pgx.ErrNoRows when the tenant has never started provisioning.
func (q *Queries) GetProvisionedDatabase(ctx context.Context, tenantID string) (ProvisionedDatabaseRow, error) {
	query := `SELECT ` + provisionedDatabaseColumns + ` FROM provisioned_databases WHERE tenant_id = $1`
	row := q.db.QueryRow(ctx, query, tenantID)
	return scanProvisionedDatabaseRow(row)
}

// AdvanceProvisioning persists one FSM tick's outcome: a new status/step
// pair and an optional error message. Every transition goes through this
// single statement so updated_at can never drift from the state it
// describes.
func (q *Queries) AdvanceProvisioning(ctx context.Context, tenantID, status string, step *string, errorMessage *string) error {
	query := `UPDATE provisioned_databases SET
			install_status = $2,
			install_step = $3,
			error_message = $4,
			updated_at = now()
		WHERE tenant_id = $1`

	tag, err := q.db.Exec(ctx, query, tenantID, status, step, errorMessage)
	if err != nil {
		return fmt.Errorf("advancing provisioning state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// DeleteProvisionedDatabase removes a tenant's provisioning row, used on
// disconnect (after the external project is confirmed deleted) and on
// user-initiated retry from the error state.
func (q *Queries) DeleteProvisionedDatabase(ctx context.Context, tenantID string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM provisioned_databases WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("deleting provisioned database row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
