// Package reqauth implements the request signature verifier: it parses
// the platform-issued signature header, reconstructs the canonical payload
// from the request, and verifies an HMAC with support for secret rotation
// and a replay tolerance window. Exposed as net/http middleware so every
// authenticated route gets the same treatment.
package reqauth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/stripe-experiments/sync-data-stripe-app/internal/cryptoenv"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/ratelimit"
)

// SignatureHeaderName is the header carrying "t=...,v1=...".
const SignatureHeaderName = "X-Request-Signature"

// FailureKind classifies why verification failed, for status-code mapping.
type FailureKind string

const (
	MissingHeader      FailureKind = "missing_header"
	MissingIdentifiers FailureKind = "missing_identifiers"
	InvalidSignature   FailureKind = "invalid_signature"
	Misconfigured      FailureKind = "misconfigured"
)

// StatusFor maps a FailureKind to its HTTP status code.
func StatusFor(kind FailureKind) int {
	switch kind {
	case MissingHeader, InvalidSignature:
		return http.StatusUnauthorized
	case MissingIdentifiers:
		return http.StatusBadRequest
	case Misconfigured:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Identity is the cryptographically verified caller extracted from a
// signed request. Every HTTP handler downstream of Middleware must use
// this, never a client-supplied value, to index the vault or FSM.
type Identity struct {
	UserID    string
	AccountID string
}

type contextKey struct{}

// FromContext returns the Identity attached by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// canonicalPayload mirrors the exact signed wire shape: the two fields in
// this order, no whitespace. Struct field order plus encoding/json's
// default compact encoding reproduces it exactly.
type canonicalPayload struct {
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
}

// Failure is returned to the caller of Verify so HTTP handlers (or
// middleware) can map it to a response.
type Failure struct {
	Kind FailureKind
}

func (f *Failure) Error() string { return "reqauth: " + string(f.Kind) }

// Middleware verifies every request's signature before handing control to
// next. secrets is the rotation set (newest first); an empty set always
// fails closed with Misconfigured.
func Middleware(secrets []string, tolerance time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := Verify(r, secrets, tolerance, time.Now())
			if err != nil {
				var failure *Failure
				kind := InvalidSignature
				if ok := asFailure(err, &failure); ok {
					kind = failure.Kind
				}
				http.Error(w, err.Error(), StatusFor(kind))
				return
			}

			ctx := context.WithValue(r.Context(), contextKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// signatureRateLimiter is satisfied by *ratelimit.Limiter, narrowed so
// tests can exercise MiddlewareWithRateLimit without Redis.
type signatureRateLimiter interface {
	Check(ctx context.Context, key string) (ratelimit.Result, error)
	Record(ctx context.Context, key string) error
}

// MiddlewareWithRateLimit is Middleware plus a per-client-IP throttle on
// signature failures. A client already past its failure budget is rejected
// with 429 before the signature is even parsed.
func MiddlewareWithRateLimit(secrets []string, tolerance time.Duration, limiter signatureRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			result, err := limiter.Check(r.Context(), ip)
			if err != nil {
				http.Error(w, "rate limit check failed", http.StatusInternalServerError)
				return
			}
			if !result.Allowed {
				w.Header().Set("Retry-After", result.RetryAt.UTC().Format(http.TimeFormat))
				http.Error(w, "too many invalid signatures", http.StatusTooManyRequests)
				return
			}

			identity, err := Verify(r, secrets, tolerance, time.Now())
			if err != nil {
				var failure *Failure
				kind := InvalidSignature
				if ok := asFailure(err, &failure); ok {
					kind = failure.Kind
				}
				if kind == InvalidSignature {
					_ = limiter.Record(r.Context(), ip)
				}
				http.Error(w, err.Error(), StatusFor(kind))
				return
			}

			ctx := context.WithValue(r.Context(), contextKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func asFailure(err error, target **Failure) bool {
	f, ok := err.(*Failure)
	if ok {
		*target = f
	}
	return ok
}

// Verify performs the full verification procedure against r and returns
// the verified Identity on success.
func Verify(r *http.Request, secrets []string, tolerance time.Duration, now time.Time) (Identity, error) {
	if len(secrets) == 0 {
		return Identity{}, &Failure{Kind: Misconfigured}
	}

	raw := r.Header.Get(SignatureHeaderName)
	if raw == "" {
		return Identity{}, &Failure{Kind: MissingHeader}
	}
	header, err := cryptoenv.ParseSignatureHeader(raw)
	if err != nil {
		return Identity{}, &Failure{Kind: MissingHeader}
	}

	userID, accountID, err := extractIdentifiers(r)
	if err != nil {
		return Identity{}, &Failure{Kind: MissingIdentifiers}
	}

	payload, err := json.Marshal(canonicalPayload{UserID: userID, AccountID: accountID})
	if err != nil {
		return Identity{}, &Failure{Kind: MissingIdentifiers}
	}

	if !cryptoenv.VerifyMAC(string(payload), header, secrets, tolerance, now) {
		return Identity{}, &Failure{Kind: InvalidSignature}
	}

	return Identity{UserID: userID, AccountID: accountID}, nil
}

// extractIdentifiers pulls user_id/account_id from the query string for
// bodyless methods, or from the JSON body otherwise. The body is restored
// onto r so downstream handlers can still read it.
func extractIdentifiers(r *http.Request) (userID, accountID string, err error) {
	switch r.Method {
	case http.MethodGet, http.MethodDelete:
		userID = r.URL.Query().Get("user_id")
		accountID = r.URL.Query().Get("account_id")
	default:
		body, readErr := io.ReadAll(r.Body)
		if readErr != nil {
			return "", "", readErr
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var parsed struct {
			UserID    string `json:"user_id"`
			AccountID string `json:"account_id"`
		}
		if len(body) > 0 {
			if jsonErr := json.Unmarshal(body, &parsed); jsonErr != nil {
				return "", "", jsonErr
			}
		}
		userID, accountID = parsed.UserID, parsed.AccountID
	}

	if userID == "" || accountID == "" {
		return "", "", errMissingIdentifiers
	}
	return userID, accountID, nil
}

var errMissingIdentifiers = &Failure{Kind: MissingIdentifiers}
