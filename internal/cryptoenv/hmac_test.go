package cryptoenv

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"
)

func sign(secret, payload string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestParseSignatureHeader(t *testing.T) {
	h, err := ParseSignatureHeader("t=1700000000,v1=abc123,extra=ignored")
	if err != nil {
		t.Fatalf("ParseSignatureHeader() error: %v", err)
	}
	if h.Timestamp != 1700000000 || h.V1 != "abc123" {
		t.Fatalf("parsed = %+v", h)
	}

	if _, err := ParseSignatureHeader("garbage"); err != ErrMalformedHeader {
		t.Fatalf("error = %v, want ErrMalformedHeader", err)
	}
	if _, err := ParseSignatureHeader("v1=abc123"); err != ErrMalformedHeader {
		t.Fatalf("missing t: error = %v, want ErrMalformedHeader", err)
	}
}

func TestVerifyMACValidSignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	payload := `{"user_id":"u1","account_id":"acct_X"}`
	sig := sign("secret-a", payload, now.Unix())
	header := SignatureHeader{Timestamp: now.Unix(), V1: sig}

	if !VerifyMAC(payload, header, []string{"secret-a"}, 300*time.Second, now) {
		t.Fatal("expected valid signature to verify")
	}
}

func TestVerifyMACRotation(t *testing.T) {
	now := time.Unix(1700000000, 0)
	payload := `{"user_id":"u1","account_id":"acct_X"}`
	sig := sign("old-secret", payload, now.Unix())
	header := SignatureHeader{Timestamp: now.Unix(), V1: sig}

	if !VerifyMAC(payload, header, []string{"new-secret", "old-secret"}, 300*time.Second, now) {
		t.Fatal("expected signature under a still-configured rotated secret to verify")
	}

	if VerifyMAC(payload, header, []string{"new-secret"}, 300*time.Second, now) {
		t.Fatal("expected signature to fail once its secret is removed from rotation")
	}
}

func TestVerifyMACRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	payload := `{"user_id":"u1","account_id":"acct_X"}`
	staleTS := now.Add(-10 * time.Minute).Unix()
	sig := sign("secret", payload, staleTS)
	header := SignatureHeader{Timestamp: staleTS, V1: sig}

	if VerifyMAC(payload, header, []string{"secret"}, 300*time.Second, now) {
		t.Fatal("expected stale timestamp to fail tolerance check")
	}
}

func TestVerifyMACRejectsTamperedPayload(t *testing.T) {
	now := time.Unix(1700000000, 0)
	sig := sign("secret", `{"user_id":"u1","account_id":"acct_X"}`, now.Unix())
	header := SignatureHeader{Timestamp: now.Unix(), V1: sig}

	if VerifyMAC(`{"user_id":"u2","account_id":"acct_X"}`, header, []string{"secret"}, 300*time.Second, now) {
		t.Fatal("expected mutated payload to fail verification")
	}
}
