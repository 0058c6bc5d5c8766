package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Blob format (binary):
// [0..1]   uint16 version (currently 1)
// [2..13]  12-byte nonce
// [14..]   gcm.Seal output (ciphertext + tag)
const blobVersion uint16 = 1

const (
	gcmNonceSize = 12
	aesKeyLen    = 32
)

var (
	ErrNotConfigured      = errors.New("secrets: protector not configured")
	ErrPlaintextEmpty     = errors.New("secrets: plaintext is empty")
	ErrInvalidKeyLength   = errors.New("secrets: invalid key length")
	ErrBlobTooShort       = errors.New("secrets: blob too short")
	ErrUnsupportedVersion = errors.New("secrets: unsupported blob version")
	ErrUnsealFailed       = errors.New("secrets: unseal failed")
	ErrMissingStaticKey   = errors.New("secrets: missing static key")
)

// AESGCM implements Protector with AES-256-GCM, binding each blob to its
// scope via AAD.
type AESGCM struct {
	keys KeyProvider
}

func NewAESGCM(keys KeyProvider) *AESGCM {
	return &AESGCM{keys: keys}
}

func (p *AESGCM) Seal(plaintext []byte, scope Scope) ([]byte, error) {
	if p == nil || p.keys == nil {
		return nil, ErrNotConfigured
	}
	if len(plaintext) == 0 {
		return nil, ErrPlaintextEmpty
	}

	gcm, err := p.aead(scope)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secrets: nonce generation failed: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, scopeAAD(scope))

	out := make([]byte, 2+gcmNonceSize+len(sealed))
	binary.BigEndian.PutUint16(out[0:2], blobVersion)
	copy(out[2:2+gcmNonceSize], nonce)
	copy(out[2+gcmNonceSize:], sealed)

	return out, nil
}

func (p *AESGCM) Unseal(blob []byte, scope Scope) ([]byte, error) {
	if p == nil || p.keys == nil {
		return nil, ErrNotConfigured
	}
	if len(blob) < 2+gcmNonceSize+1 {
		return nil, ErrBlobTooShort
	}

	version := binary.BigEndian.Uint16(blob[0:2])
	if version != blobVersion {
		return nil, fmt.Errorf("secrets: unsupported blob version %d: %w", version, ErrUnsupportedVersion)
	}

	gcm, err := p.aead(scope)
	if err != nil {
		return nil, err
	}

	nonce := blob[2 : 2+gcmNonceSize]
	sealed := blob[2+gcmNonceSize:]

	plain, err := gcm.Open(nil, nonce, sealed, scopeAAD(scope))
	if err != nil {
		// Do not leak whether the key, scope, or blob was at fault.
		return nil, ErrUnsealFailed
	}
	return plain, nil
}

func (p *AESGCM) aead(scope Scope) (cipher.AEAD, error) {
	key, err := p.keys.Key(scope)
	if err != nil {
		return nil, fmt.Errorf("secrets: key provider error: %w", err)
	}
	if len(key) != aesKeyLen {
		return nil, fmt.Errorf("secrets: invalid key length %d (want %d for AES-256): %w", len(key), aesKeyLen, ErrInvalidKeyLength)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: aes init failed: %w", err)
	}
	return cipher.NewGCM(block)
}

// scopeAAD hashes a canonical labelled form of the scope. Hashing keeps the
// AAD fixed-length and removes separator ambiguity between fields.
func scopeAAD(s Scope) []byte {
	canonical := fmt.Sprintf("subject=%s\npurpose=%s\n", s.SubjectID, s.Purpose)
	sum := sha256.Sum256([]byte(canonical))
	return sum[:]
}

// StaticKeyProvider returns the same key for every scope. Suitable where a
// single environment key is managed outside the process.
type StaticKeyProvider struct {
	KeyBytes []byte
}

func (p StaticKeyProvider) Key(_ Scope) ([]byte, error) {
	if len(p.KeyBytes) == 0 {
		return nil, ErrMissingStaticKey
	}
	k := make([]byte, len(p.KeyBytes))
	copy(k, p.KeyBytes)
	return k, nil
}
