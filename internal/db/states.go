package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, *pgxpool.Conn, and pgx.Tx, so queries
// can run either against the pool directly or against a connection already
// held for an advisory lock.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const stateColumns = `state_hash, mode, expires_at, created_at`

func scanStateRow(row pgx.Row) (OAuthStateRow, error) {
	var r OAuthStateRow
	err := row.Scan(&r.StateHash, &r.Mode, &r.ExpiresAt, &r.CreatedAt)
	return r, err
}

// Queries wraps a DBTX with the typed operations for all three tables.
type Queries struct {
	db DBTX
}

// New wraps pool (or an acquired connection, or a transaction) with typed
// query helpers.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// CreateState inserts a new single-use CSRF state row.
func (q *Queries) CreateState(ctx context.Context, stateHash, mode string, expiresAt time.Time) error {
	query := `INSERT INTO oauth_states (` + stateColumns + `) VALUES ($1, $2, $3, now())`
	if _, err := q.db.Exec(ctx, query, stateHash, mode, expiresAt); err != nil {
		return fmt.Errorf("inserting oauth state: %w", err)
	}
	return nil
}

// ConsumeState atomically deletes and returns the state row for stateHash,
// refusing rows that have already expired. A miss (wrong hash, already
// consumed, or expired) returns pgx.ErrNoRows.
func (q *Queries) ConsumeState(ctx context.Context, stateHash string, now time.Time) (OAuthStateRow, error) {
	query := `DELETE FROM oauth_states WHERE state_hash = $1 AND expires_at > $2 RETURNING ` + stateColumns
	row := q.db.QueryRow(ctx, query, stateHash, now)
	return scanStateRow(row)
}

// DeleteExpiredStates garbage-collects state rows past their TTL.
func (q *Queries) DeleteExpiredStates(ctx context.Context, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM oauth_states WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired oauth states: %w", err)
	}
	return tag.RowsAffected(), nil
}
