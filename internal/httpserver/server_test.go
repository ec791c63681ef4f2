package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stripe-experiments/sync-data-stripe-app/internal/cryptoenv"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/oauthflow"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/reqauth"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/stripeoauth"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    stripeoauth.Mode
		wantErr bool
	}{
		{name: "empty defaults to test", raw: "", want: stripeoauth.ModeTest},
		{name: "test", raw: "test", want: stripeoauth.ModeTest},
		{name: "live", raw: "live", want: stripeoauth.ModeLive},
		{name: "unknown rejected", raw: "sandbox", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMode(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseMode(%q) = %q, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseMode(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("parseMode(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestRespondErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusConflict, "lock_busy", "try again shortly")

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error != "lock_busy" || body.Message != "try again shortly" {
		t.Fatalf("body = %+v", body)
	}
}

func TestRespondAuthFailureMapsKindToStatus(t *testing.T) {
	tests := []struct {
		kind       reqauth.FailureKind
		wantStatus int
	}{
		{kind: reqauth.MissingHeader, wantStatus: http.StatusUnauthorized},
		{kind: reqauth.MissingIdentifiers, wantStatus: http.StatusBadRequest},
		{kind: reqauth.InvalidSignature, wantStatus: http.StatusUnauthorized},
		{kind: reqauth.Misconfigured, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			rec := httptest.NewRecorder()
			RespondAuthFailure(rec, tt.kind, "detail")

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if body.Error != string(tt.kind) {
				t.Fatalf("error = %q, want %q", body.Error, tt.kind)
			}
		})
	}
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	var fromCtx string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if fromCtx == "" {
		t.Fatal("request id missing from context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != fromCtx {
		t.Fatalf("header = %q, context = %q", got, fromCtx)
	}
}

func TestRequestIDReusesCallerValue(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Fatalf("header = %q, want req-abc", got)
	}
}

func TestOAuthInstallRejectsUnknownMode(t *testing.T) {
	s := &Server{logger: silentLogger()}

	req := httptest.NewRequest(http.MethodGet, "/oauth/install?mode=sandbox", nil)
	rec := httptest.NewRecorder()
	s.handleOAuthInstall(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestOAuthCallbackMissingCode(t *testing.T) {
	s := &Server{logger: silentLogger()}

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?state=abc", nil)
	rec := httptest.NewRecorder()
	s.handleOAuthCallback(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// missRow and missDB simulate a state store where every lookup misses, the
// shape a replayed (already-consumed) state produces.
type missRow struct{}

func (missRow) Scan(dest ...any) error { return pgx.ErrNoRows }

type missDB struct{}

func (missDB) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("not used")
}
func (missDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}
func (missDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row { return missRow{} }

func TestOAuthCallbackReplayedStateIs403(t *testing.T) {
	aead, err := cryptoenv.NewAEAD(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewAEAD() error: %v", err)
	}
	flow := oauthflow.New(missDB{}, aead, nil, "https://example.com/authorize", "https://svc.example.com", "ca_t", "ca_l", silentLogger())
	s := &Server{logger: silentLogger(), flow: flow}

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=C&state=S", nil)
	rec := httptest.NewRecorder()
	s.handleOAuthCallback(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error != "invalid_state" {
		t.Fatalf("error = %q, want invalid_state", body.Error)
	}
}
