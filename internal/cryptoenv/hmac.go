package cryptoenv

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedHeader is returned when a signature header cannot be parsed
// into a timestamp and digest pair.
var ErrMalformedHeader = errors.New("cryptoenv: malformed signature header")

// SignatureHeader is the parsed form of "t=<unix_seconds>,v1=<hex_hmac>".
// Unknown comma-separated keys are ignored.
type SignatureHeader struct {
	Timestamp int64
	V1        string
}

// ParseSignatureHeader parses the comma-separated key=value header format
// shared by every signed-request surface in this system.
func ParseSignatureHeader(raw string) (SignatureHeader, error) {
	var h SignatureHeader
	var sawTimestamp, sawV1 bool

	for _, part := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return SignatureHeader{}, ErrMalformedHeader
			}
			h.Timestamp = ts
			sawTimestamp = true
		case "v1":
			h.V1 = kv[1]
			sawV1 = true
		}
	}

	if !sawTimestamp || !sawV1 {
		return SignatureHeader{}, ErrMalformedHeader
	}
	return h, nil
}

// VerifyMAC performs constant-time HMAC-SHA256 verification of a signed,
// timestamped payload against a set of candidate secrets (supporting
// rotation: the first secret that matches wins). now is injected so callers
// can test deterministically.
func VerifyMAC(payload string, header SignatureHeader, secrets []string, tolerance time.Duration, now time.Time) bool {
	delta := now.Unix() - header.Timestamp
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > tolerance {
		return false
	}

	signed := fmt.Sprintf("%d.%s", header.Timestamp, payload)
	wantHex, err := hex.DecodeString(header.V1)
	if err != nil {
		return false
	}

	for _, secret := range secrets {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(signed))
		expected := mac.Sum(nil)
		if hmac.Equal(expected, wantHex) {
			return true
		}
	}
	return false
}
