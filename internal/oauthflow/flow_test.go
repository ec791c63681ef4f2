package oauthflow

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stripe-experiments/sync-data-stripe-app/internal/cryptoenv"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/stripeoauth"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeDB struct {
	consumeResult func(dest ...any) error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}
func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}
func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{scan: f.consumeResult}
}

func testAEAD(t *testing.T) *cryptoenv.AEAD {
	t.Helper()
	aead, err := cryptoenv.NewAEAD(bytes.Repeat([]byte{0x09}, 32))
	if err != nil {
		t.Fatalf("NewAEAD() error: %v", err)
	}
	return aead
}

func TestResolveModeFromConsumedState(t *testing.T) {
	fake := &fakeDB{consumeResult: func(dest ...any) error {
		*(dest[0].(*string)) = "statehash"
		*(dest[1].(*string)) = "live"
		*(dest[2].(*time.Time)) = time.Now().Add(time.Minute)
		*(dest[3].(*time.Time)) = time.Now()
		return nil
	}}
	f := New(fake, testAEAD(t), nil, "https://example.com/authorize", "https://svc.example.com", "ca_test", "ca_live", slog.Default())

	state := "raw-nonce"
	mode, err := f.resolveMode(context.Background(), &state, nil)
	if err != nil {
		t.Fatalf("resolveMode() error: %v", err)
	}
	if mode != stripeoauth.ModeLive {
		t.Fatalf("mode = %q, want live", mode)
	}
}

func TestResolveModeRejectsExpiredState(t *testing.T) {
	fake := &fakeDB{consumeResult: func(dest ...any) error { return pgx.ErrNoRows }}
	f := New(fake, testAEAD(t), nil, "https://example.com/authorize", "https://svc.example.com", "ca_test", "ca_live", slog.Default())

	state := "raw-nonce"
	_, err := f.resolveMode(context.Background(), &state, nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("error = %v, want ErrInvalidState", err)
	}
}

func TestResolveModeDirectInstallHeuristic(t *testing.T) {
	f := New(&fakeDB{}, testAEAD(t), nil, "https://example.com/authorize", "https://svc.example.com", "ca_test", "ca_live", slog.Default())

	hint := "acct_test_123"
	mode, err := f.resolveMode(context.Background(), nil, &hint)
	if err != nil {
		t.Fatalf("resolveMode() error: %v", err)
	}
	if mode != stripeoauth.ModeTest {
		t.Fatalf("mode = %q, want test", mode)
	}

	liveHint := "acct_prod_123"
	mode, err = f.resolveMode(context.Background(), nil, &liveHint)
	if err != nil {
		t.Fatalf("resolveMode() error: %v", err)
	}
	if mode != stripeoauth.ModeLive {
		t.Fatalf("mode = %q, want live", mode)
	}
}

func TestInstallBuildsRedirectWithState(t *testing.T) {
	fake := &fakeDB{}
	f := New(fake, testAEAD(t), nil, "https://marketplace.example.com/oauth/v2/authorize", "https://svc.example.com", "ca_test_1", "ca_live_1", slog.Default())

	redirect, err := f.Install(context.Background(), stripeoauth.ModeTest)
	if err != nil {
		t.Fatalf("Install() error: %v", err)
	}
	if !strings.Contains(redirect, "client_id=ca_test_1") || !strings.Contains(redirect, "redirect_uri=") || !strings.Contains(redirect, "state=") {
		t.Fatalf("redirect URL missing expected params: %s", redirect)
	}
}
