// Package stripeoauth implements the OAuth exchange/refresh client:
// wire-level calls to the platform's token endpoint, HTTP Basic
// authentication with a per-mode secret, and classification of failures
// into auth/transient/malformed kinds so callers can decide whether to
// retry. One endpoint, two (test, live) credential sets; calls go through
// a circuit breaker so a struggling upstream trips instead of being
// hammered every tick.
package stripeoauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
)

// Mode distinguishes sandbox from production credentials and data.
type Mode string

const (
	ModeTest Mode = "test"
	ModeLive Mode = "live"
)

// defaultExpiry is used when the platform's response omits expires_in.
const defaultExpiry = time.Hour

// FailureKind classifies why an exchange or refresh failed.
type FailureKind string

const (
	UpstreamAuthError FailureKind = "upstream_auth_error"
	UpstreamTransient FailureKind = "upstream_transient"
	UpstreamMalformed FailureKind = "upstream_malformed"
)

// UpstreamError reports a failed token call, classified for callers that
// need to decide whether it's worth retrying.
type UpstreamError struct {
	Kind FailureKind
	Err  error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("stripeoauth: %s: %v", e.Kind, e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

// TokenResult is the normalized, successful response from the platform's
// token endpoint.
type TokenResult struct {
	AccessToken           string
	RefreshToken          string
	Scope                 string
	Livemode              bool
	TenantUserID          string
	PublishableIdentifier *string
	ExpiresAt             time.Time
}

// Credentials holds the per-mode client id and secret key used to
// authenticate to the token endpoint.
type Credentials struct {
	ClientID  string
	SecretKey string
}

// Client exchanges authorization codes and refreshes tokens against the
// platform's OAuth token endpoint.
type Client struct {
	testCreds  Credentials
	liveCreds  Credentials
	tokenURL   string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New constructs a Client. tokenURL is the full token endpoint URL (e.g.
// "https://connect.example.com/oauth/token").
func New(testCreds, liveCreds Credentials, tokenURL string) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "stripeoauth",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		testCreds:  testCreds,
		liveCreds:  liveCreds,
		tokenURL:   tokenURL,
		httpClient: http.DefaultClient,
		breaker:    breaker,
	}
}

func (c *Client) credsFor(mode Mode) Credentials {
	if mode == ModeLive {
		return c.liveCreds
	}
	return c.testCreds
}

// oauth2Config builds an oauth2.Config whose "client" (for HTTP Basic
// purposes) is the platform secret key, per the wire contract: Basic auth
// carries the secret as username with an empty password, while the actual
// application client id travels as a body parameter.
func (c *Client) oauth2Config(mode Mode) *oauth2.Config {
	creds := c.credsFor(mode)
	return &oauth2.Config{
		ClientID:     creds.SecretKey,
		ClientSecret: "",
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// ExchangeCode performs an authorization-code exchange.
func (c *Client) ExchangeCode(ctx context.Context, code string, mode Mode) (TokenResult, error) {
	cfg := c.oauth2Config(mode)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	result, err := c.breaker.Execute(func() (any, error) {
		tok, err := cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("client_id", c.credsFor(mode).ClientID))
		if err != nil {
			return nil, err
		}
		return tok, nil
	})
	if err != nil {
		return TokenResult{}, classify(err)
	}
	return normalize(result.(*oauth2.Token))
}

// Refresh exchanges a (single-use, rotating) refresh token for a new
// access/refresh pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string, mode Mode) (TokenResult, error) {
	cfg := c.oauth2Config(mode)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	result, err := c.breaker.Execute(func() (any, error) {
		src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		tok, err := src.Token()
		if err != nil {
			return nil, err
		}
		return tok, nil
	})
	if err != nil {
		return TokenResult{}, classify(err)
	}
	return normalize(result.(*oauth2.Token))
}

// errorEnvelope mirrors the platform's error response body.
type errorEnvelope struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func classify(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		var env errorEnvelope
		_ = json.Unmarshal(retrieveErr.Body, &env)

		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}

		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden || env.Error != "":
			return &UpstreamError{Kind: UpstreamAuthError, Err: err}
		case status >= http.StatusInternalServerError || status == 0:
			return &UpstreamError{Kind: UpstreamTransient, Err: err}
		default:
			return &UpstreamError{Kind: UpstreamMalformed, Err: err}
		}
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &UpstreamError{Kind: UpstreamTransient, Err: err}
	}
	// Network-level failure (timeout, connection refused, ...): transient.
	return &UpstreamError{Kind: UpstreamTransient, Err: err}
}

// normalize validates the success envelope and extracts the non-standard
// fields the platform attaches via Token.Extra.
func normalize(tok *oauth2.Token) (TokenResult, error) {
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return TokenResult{}, &UpstreamError{Kind: UpstreamMalformed, Err: errors.New("missing access_token or refresh_token")}
	}

	tenantUserID, _ := tok.Extra("tenant_user_id").(string)
	if tenantUserID == "" {
		return TokenResult{}, &UpstreamError{Kind: UpstreamMalformed, Err: errors.New("missing tenant_user_id")}
	}

	scope, _ := tok.Extra("scope").(string)
	livemode, _ := tok.Extra("livemode").(bool)

	var publishable *string
	if v, ok := tok.Extra("publishable_identifier").(string); ok && v != "" {
		publishable = &v
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(defaultExpiry)
	}

	return TokenResult{
		AccessToken:           tok.AccessToken,
		RefreshToken:          tok.RefreshToken,
		Scope:                 scope,
		Livemode:              livemode,
		TenantUserID:          tenantUserID,
		PublishableIdentifier: publishable,
		ExpiresAt:             expiresAt,
	}, nil
}
