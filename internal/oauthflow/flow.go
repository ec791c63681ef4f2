// Package oauthflow implements the OAuth install/callback flow:
// single-use hashed state issuance and consumption, code-for-token
// exchange, and first-time token storage. Only a SHA-256 hash of the state
// nonce is ever persisted, and consumption is an atomic
// DELETE ... RETURNING so a replayed callback can never match twice.
package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stripe-experiments/sync-data-stripe-app/internal/cryptoenv"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/db"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/stripeoauth"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/vault"
)

// ErrInvalidState is returned when the supplied state is missing,
// already consumed, or expired.
var ErrInvalidState = errors.New("oauthflow: invalid or expired state")

const stateTTL = 10 * time.Minute

// Flow wires state issuance/consumption, the token exchange client, and
// the vault together.
type Flow struct {
	dbtx         db.DBTX
	aead         *cryptoenv.AEAD
	stripe       *stripeoauth.Client
	authorizeURL string
	baseURL      string
	testClientID string
	liveClientID string
	logger       *slog.Logger
}

// New constructs a Flow. authorizeURL is the platform's authorize endpoint
// (e.g. "https://marketplace.stripe.com/oauth/v2/authorize"); baseURL is
// this service's own origin, used to build the redirect_uri.
func New(dbtx db.DBTX, aead *cryptoenv.AEAD, stripe *stripeoauth.Client, authorizeURL, baseURL, testClientID, liveClientID string, logger *slog.Logger) *Flow {
	return &Flow{
		dbtx:         dbtx,
		aead:         aead,
		stripe:       stripe,
		authorizeURL: authorizeURL,
		baseURL:      baseURL,
		testClientID: testClientID,
		liveClientID: liveClientID,
		logger:       logger,
	}
}

// Install generates a single-use state nonce, persists its hash, and
// returns the URL the caller should redirect the user to.
func (f *Flow) Install(ctx context.Context, mode stripeoauth.Mode) (string, error) {
	raw, err := cryptoenv.RandomToken(32)
	if err != nil {
		return "", fmt.Errorf("generating state nonce: %w", err)
	}
	hash := cryptoenv.Digest(raw)

	q := db.New(f.dbtx)
	if err := q.CreateState(ctx, hash, string(mode), time.Now().Add(stateTTL)); err != nil {
		return "", fmt.Errorf("persisting oauth state: %w", err)
	}

	clientID := f.testClientID
	if mode == stripeoauth.ModeLive {
		clientID = f.liveClientID
	}

	redirectURI := strings.TrimRight(f.baseURL, "/") + "/oauth/callback"
	values := url.Values{
		"client_id":    {clientID},
		"redirect_uri": {redirectURI},
		"state":        {raw},
	}
	return f.authorizeURL + "?" + values.Encode(), nil
}

// Callback completes an authorization-code exchange and stores the
// resulting connection. It never echoes the code or any token in its
// return value or logs.
func (f *Flow) Callback(ctx context.Context, code string, state, accountHint *string) error {
	mode, err := f.resolveMode(ctx, state, accountHint)
	if err != nil {
		return err
	}

	result, err := f.stripe.ExchangeCode(ctx, code, mode)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}

	v := vault.New(f.dbtx, f.aead, f.logger)
	_, err = v.UpsertConnection(ctx, vault.UpsertParams{
		TenantID:              result.TenantUserID,
		Livemode:              result.Livemode,
		Scope:                 result.Scope,
		PublishableIdentifier: result.PublishableIdentifier,
		AccessToken:           result.AccessToken,
		AccessTokenExpiresAt:  result.ExpiresAt,
		RefreshToken:          result.RefreshToken,
	})
	if err != nil {
		return fmt.Errorf("storing connection: %w", err)
	}

	f.logger.Info("oauthflow: connection established", "tenant_id", result.TenantUserID, "livemode", result.Livemode)
	return nil
}

// resolveMode picks the credential mode for a callback: consume the
// single-use state row when one is presented, otherwise fall back to the
// account-hint heuristic for platform-initiated direct installs.
func (f *Flow) resolveMode(ctx context.Context, state, accountHint *string) (stripeoauth.Mode, error) {
	if state != nil && *state != "" {
		hash := cryptoenv.Digest(*state)
		q := db.New(f.dbtx)
		row, err := q.ConsumeState(ctx, hash, time.Now())
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrInvalidState
		}
		if err != nil {
			return "", fmt.Errorf("consuming oauth state: %w", err)
		}
		return stripeoauth.Mode(row.Mode), nil
	}

	// Direct-install branch: the platform initiated the handoff with no
	// state of ours to consume. Mode is guessed from account_hint, a
	// heuristic that can misclassify unusual account names.
	hint := ""
	if accountHint != nil {
		hint = *accountHint
	}
	if strings.Contains(hint, "test") {
		return stripeoauth.ModeTest, nil
	}
	return stripeoauth.ModeLive, nil
}
