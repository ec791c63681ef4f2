// Package cryptoenv implements the authenticated-encryption envelope, CSRF
// digests, and constant-time signature verification shared by the token
// vault and the batch sweeper.
package cryptoenv

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
)

// envelopeVersion is the only version this build knows how to decrypt.
const envelopeVersion = 1

const (
	keySize = 32 // AES-256
	ivSize  = 12 // 96-bit GCM nonce
	tagSize = 16 // GCM authentication tag
)

// ErrCorrupt is returned for any ciphertext that fails to decrypt: unknown
// version, malformed lengths, truncation, or a tampered tag. It never
// distinguishes which of those occurred, per the interop contract.
var ErrCorrupt = errors.New("cryptoenv: corrupt ciphertext")

// envelope is the on-disk JSON shape shared between the online backend and
// the batch sweeper: {"v":1,"iv":<base64,12B>,"data":<base64>,"tag":<base64,16B>}.
type envelope struct {
	V    int    `json:"v"`
	IV   []byte `json:"iv"`
	Data []byte `json:"data"`
	Tag  []byte `json:"tag"`
}

// AEAD wraps a process-wide 32-byte key used for all token encryption. It is
// initialized once at startup and treated as immutable afterward.
type AEAD struct {
	key []byte
}

// NewAEAD validates and wraps a 32-byte key. Key absence or the wrong length
// is a fatal, startup-time configuration error.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("cryptoenv: encryption key must be %d bytes, got %d", keySize, len(key))
	}
	return &AEAD{key: key}, nil
}

// Encrypt produces a versioned, self-describing ciphertext blob. A fresh
// random IV is drawn from the CSPRNG for every call.
func (a *AEAD) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(a.key)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: building cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: building gcm: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("cryptoenv: reading random iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	env := envelope{V: envelopeVersion, IV: iv, Data: ciphertext, Tag: tag}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: marshaling envelope: %w", err)
	}
	return out, nil
}

// Decrypt rejects unknown versions, mismatched IV/tag lengths, and any
// tampered or truncated input with ErrCorrupt, never revealing why.
func (a *AEAD) Decrypt(blob []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, ErrCorrupt
	}
	if env.V != envelopeVersion {
		return nil, ErrCorrupt
	}
	if len(env.IV) != ivSize || len(env.Tag) != tagSize {
		return nil, ErrCorrupt
	}

	block, err := aes.NewCipher(a.key)
	if err != nil {
		return nil, ErrCorrupt
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, ErrCorrupt
	}

	sealed := append(append([]byte{}, env.Data...), env.Tag...)
	plaintext, err := gcm.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, ErrCorrupt
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper returning the envelope as a string
// for storage in a text column.
func (a *AEAD) EncryptString(plaintext string) (string, error) {
	blob, err := a.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

// DecryptString is the inverse of EncryptString.
func (a *AEAD) DecryptString(blob string) (string, error) {
	plaintext, err := a.Decrypt([]byte(blob))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
