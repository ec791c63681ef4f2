package refresh

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stripe-experiments/sync-data-stripe-app/internal/cryptoenv"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/stripeoauth"
	"github.com/stripe-experiments/sync-data-stripe-app/internal/vault"
)

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeDB struct {
	accessCT    string
	refreshCT   string
	expiresAt   time.Time
	hasRow      bool
	rotateCalls int
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.accessCT = args[2].(string)
	f.expiresAt = args[3].(time.Time)
	f.refreshCT = args[4].(string)
	f.rotateCalls++
	return pgconn.NewCommandTag("UPDATE 1"), nil
}
func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}
func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{scan: func(dest ...any) error {
		if !f.hasRow {
			return pgx.ErrNoRows
		}
		*(dest[0].(*string)) = "acct_X"
		*(dest[1].(*bool)) = false
		*(dest[2].(*string)) = "read_only"
		*(dest[3].(**string)) = nil
		*(dest[4].(*string)) = f.accessCT
		*(dest[5].(*time.Time)) = f.expiresAt
		*(dest[6].(*string)) = f.refreshCT
		*(dest[7].(*time.Time)) = time.Now()
		*(dest[8].(*time.Time)) = time.Now()
		*(dest[9].(*time.Time)) = time.Now()
		return nil
	}}
}

type fakeRefresher struct {
	result stripeoauth.TokenResult
	err    error
	calls  int
}

func (f *fakeRefresher) Refresh(_ context.Context, _ string, _ stripeoauth.Mode) (stripeoauth.TokenResult, error) {
	f.calls++
	return f.result, f.err
}

func testAEAD(t *testing.T) *cryptoenv.AEAD {
	t.Helper()
	aead, err := cryptoenv.NewAEAD(bytes.Repeat([]byte{0x07}, 32))
	if err != nil {
		t.Fatalf("NewAEAD() error: %v", err)
	}
	return aead
}

func TestGetFreshAccessReturnsStoredTokenWhenFarFromExpiry(t *testing.T) {
	aead := testAEAD(t)
	accessCT, _ := aead.EncryptString("still-fresh")
	refreshCT, _ := aead.EncryptString("refresh-1")
	fake := &fakeDB{accessCT: accessCT, refreshCT: refreshCT, expiresAt: time.Now().Add(time.Hour), hasRow: true}
	v := vault.New(fake, aead, slog.Default())
	fr := &fakeRefresher{}
	a := New(v, fr)

	got, err := a.GetFreshAccess(context.Background(), "acct_X", false)
	if err != nil {
		t.Fatalf("GetFreshAccess() error: %v", err)
	}
	if got != "still-fresh" {
		t.Fatalf("got %q, want still-fresh", got)
	}
	if fr.calls != 0 {
		t.Fatalf("refresher called %d times, want 0", fr.calls)
	}
}

func TestGetFreshAccessRefreshesWithinSkewWindow(t *testing.T) {
	aead := testAEAD(t)
	accessCT, _ := aead.EncryptString("about-to-expire")
	refreshCT, _ := aead.EncryptString("refresh-1")
	fake := &fakeDB{accessCT: accessCT, refreshCT: refreshCT, expiresAt: time.Now().Add(2 * time.Minute), hasRow: true}
	v := vault.New(fake, aead, slog.Default())
	fr := &fakeRefresher{result: stripeoauth.TokenResult{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	a := New(v, fr)

	got, err := a.GetFreshAccess(context.Background(), "acct_X", false)
	if err != nil {
		t.Fatalf("GetFreshAccess() error: %v", err)
	}
	if got != "new-access" {
		t.Fatalf("got %q, want new-access", got)
	}
	if fr.calls != 1 {
		t.Fatalf("refresher called %d times, want 1", fr.calls)
	}
	if fake.rotateCalls != 1 {
		t.Fatalf("rotation persisted %d times, want 1", fake.rotateCalls)
	}
}

func TestRefreshNowRotatesEvenWhenFarFromExpiry(t *testing.T) {
	aead := testAEAD(t)
	accessCT, _ := aead.EncryptString("nowhere-near-expiry")
	refreshCT, _ := aead.EncryptString("refresh-1")
	fake := &fakeDB{accessCT: accessCT, refreshCT: refreshCT, expiresAt: time.Now().Add(30 * time.Minute), hasRow: true}
	v := vault.New(fake, aead, slog.Default())
	fr := &fakeRefresher{result: stripeoauth.TokenResult{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	a := New(v, fr)

	got, err := a.RefreshNow(context.Background(), "acct_X", false)
	if err != nil {
		t.Fatalf("RefreshNow() error: %v", err)
	}
	if got != "new-access" {
		t.Fatalf("got %q, want new-access", got)
	}
	if fr.calls != 1 {
		t.Fatalf("refresher called %d times, want 1 (no skew gate)", fr.calls)
	}
	if fake.rotateCalls != 1 {
		t.Fatalf("rotation persisted %d times, want 1", fake.rotateCalls)
	}
}

func TestGetFreshAccessMissingConnection(t *testing.T) {
	aead := testAEAD(t)
	v := vault.New(&fakeDB{}, aead, slog.Default())
	a := New(v, &fakeRefresher{})

	_, err := a.GetFreshAccess(context.Background(), "acct_X", false)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
}

func TestGetFreshAccessRefreshFailureLeavesRowUntouched(t *testing.T) {
	aead := testAEAD(t)
	accessCT, _ := aead.EncryptString("about-to-expire")
	refreshCT, _ := aead.EncryptString("refresh-1")
	fake := &fakeDB{accessCT: accessCT, refreshCT: refreshCT, expiresAt: time.Now().Add(time.Minute), hasRow: true}
	v := vault.New(fake, aead, slog.Default())
	fr := &fakeRefresher{err: errors.New("upstream down")}
	a := New(v, fr)

	_, err := a.GetFreshAccess(context.Background(), "acct_X", false)
	var refreshErr *ErrRefreshFailed
	if !errors.As(err, &refreshErr) {
		t.Fatalf("error = %v, want ErrRefreshFailed", err)
	}
	if fake.rotateCalls != 0 {
		t.Fatalf("rotation persisted on failure, rotateCalls = %d", fake.rotateCalls)
	}
}
