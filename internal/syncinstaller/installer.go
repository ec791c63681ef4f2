// Package syncinstaller wraps the third-party service used to install sync
// artifacts on a connected tenant, treated as an opaque collaborator with a
// single Install(ctx, accessToken) entrypoint.
//
// The upstream client library historically required callers to monkey-patch
// its internals to inject an API version header before the webhook-creation
// call. That requirement is surfaced here as a first-class configuration
// field on the adapter instead.
package syncinstaller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
)

// statusError carries the upstream HTTP status code so isRetriable can
// distinguish a 5xx from a 4xx without string matching.
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("sync installer responded with status %d", e.status)
}

// Installer adapts the sync artifact installer to this system's retry and
// circuit-breaking conventions. APIVersion is sent on every webhook-creation
// call the installer performs.
type Installer struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	retryBase  time.Duration
}

// New constructs an Installer. apiVersion pins the API version header the
// installer attaches to every request it makes on the tenant's behalf.
func New(baseURL, apiVersion string, breaker *gobreaker.CircuitBreaker) *Installer {
	return &Installer{
		baseURL:    baseURL,
		apiVersion: apiVersion,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker:    breaker,
		retryBase:  5 * time.Second,
	}
}

// Install runs the sync artifact installation for the tenant identified by
// accessToken. The provisioning engine invokes this at most once per tick with its own
// bounded retry budget of a single attempt; any backoff below that budget
// is this adapter's own internal retry on retriable errors.
func (i *Installer) Install(ctx context.Context, accessToken string) error {
	backoff := retry.NewExponential(i.retryBase)
	backoff = retry.WithMaxRetries(2, backoff) // 5s, 10s at the default base; bounded internal backoff only

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := i.installOnce(ctx, accessToken)
		if err == nil {
			return nil
		}
		if isRetriable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (i *Installer) installOnce(ctx context.Context, accessToken string) error {
	_, err := i.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/webhooks", nil)
		if err != nil {
			return nil, fmt.Errorf("building install request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Stripe-Version", i.apiVersion)

		resp, err := i.httpClient.Do(req)
		if err != nil {
			return nil, transportError{err}
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 300 {
			return nil, &statusError{status: resp.StatusCode}
		}
		return nil, nil
	})
	return err
}

// transportError wraps a network-level failure (connection refused, DNS,
// timeout) so isRetriable can tell it apart from an upstream status error.
type transportError struct{ err error }

func (e transportError) Error() string { return fmt.Sprintf("executing install request: %v", e.err) }
func (e transportError) Unwrap() error { return e.err }

// isRetriable is a narrow allowlist: only transport-level failures and
// explicit 5xx responses are worth a bounded internal retry. Anything else
// (4xx, malformed responses) fails fast to the FSM.
func isRetriable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500
	}
	var te transportError
	return errors.As(err, &te)
}
