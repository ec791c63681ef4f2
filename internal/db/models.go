// Package db provides typed CRUD access to the three persisted tables:
// oauth_states, oauth_connections, and provisioned_databases. Every value
// held by these rows that is sensitive is already ciphertext by the time it
// reaches this package; db never encrypts or decrypts.
package db

import "time"

// OAuthStateRow is a single-use, hashed CSRF state token.
type OAuthStateRow struct {
	StateHash string
	Mode      string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// OAuthConnectionRow holds one tenant's encrypted OAuth tokens for one
// livemode.
type OAuthConnectionRow struct {
	TenantID               string
	Livemode               bool
	Scope                  string
	PublishableIdentifier  *string
	AccessTokenCiphertext  string
	AccessTokenExpiresAt   time.Time
	RefreshTokenCiphertext string
	RefreshTokenRotatedAt  time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// ProvisionedDatabaseRow tracks one tenant's managed-Postgres provisioning
// run. Keyed by tenant_id alone: a tenant can provision at most one managed
// database, independent of livemode (see the provisioning package doc
// comment for why).
type ProvisionedDatabaseRow struct {
	TenantID       string
	ProjectRef     string
	DBPasswordCT   string
	ConnectionHost string
	Region         string
	InstallStatus  string
	InstallStep    *string
	ErrorMessage   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
