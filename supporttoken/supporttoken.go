// Package supporttoken verifies vendor-issued break-glass tokens: a
// detached-signature envelope of a base64url JSON payload and a base64url
// Ed25519 signature over that payload. The vendor public key ships compiled
// into the binary; there is no trust-store lookup.
package supporttoken

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"strings"
	"time"
)

// VendorPublicKeyPEM is the embedded vendor signing key.
const VendorPublicKeyPEM = `-----BEGIN PUBLIC KEY-----
MCowBQYDK2VwAyEA9dSwIPfI3DukbUtCuQ9wl2+dnOxdjY0tSYluXWMYjdw=
-----END PUBLIC KEY-----
`

var (
	// ErrMalformed covers every structural failure: wrong part count, bad
	// base64, or an undecodable payload.
	ErrMalformed = errors.New("supporttoken: malformed token")
	// ErrSignature is returned when the Ed25519 signature does not verify.
	ErrSignature = errors.New("supporttoken: signature invalid")
	// ErrExpired is returned when the exp claim is in the past.
	ErrExpired = errors.New("supporttoken: token expired")
	// ErrClaims is returned when jti or scope is missing or blank.
	ErrClaims = errors.New("supporttoken: required claims missing")
)

// Claims is the signed token payload.
type Claims struct {
	Exp   int64  `json:"exp"`
	JTI   string `json:"jti"`
	Scope string `json:"scope"`
}

// ParsePublicKey decodes a PEM-encoded Ed25519 public key.
func ParsePublicKey(pemText string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("supporttoken: no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("supporttoken: not an Ed25519 public key")
	}
	return pub, nil
}

// VendorPublicKey returns the embedded vendor key. It panics only if the
// compiled-in constant is corrupt, which would be a build defect.
func VendorPublicKey() ed25519.PublicKey {
	pub, err := ParsePublicKey(VendorPublicKeyPEM)
	if err != nil {
		panic(err)
	}
	return pub
}

// Verify checks a token against pub at the given instant. Checks run in a
// fixed order: structure, signature, expiry, claim presence. The first
// failing check wins; callers can rely on the order to report a precise
// rejection reason.
func Verify(token string, pub ed25519.PublicKey, now time.Time) (Claims, error) {
	payloadB64, signatureB64, found := strings.Cut(token, ".")
	if !found || strings.Contains(signatureB64, ".") || payloadB64 == "" || signatureB64 == "" {
		return Claims{}, ErrMalformed
	}

	payload, err := b64urlDecode(payloadB64)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	signature, err := b64urlDecode(signatureB64)
	if err != nil {
		return Claims{}, ErrMalformed
	}

	if len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, payload, signature) {
		return Claims{}, ErrSignature
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, ErrMalformed
	}

	if claims.Exp <= 0 || time.Unix(claims.Exp, 0).Before(now) {
		return Claims{}, ErrExpired
	}

	if strings.TrimSpace(claims.JTI) == "" || strings.TrimSpace(claims.Scope) == "" {
		return Claims{}, ErrClaims
	}

	claims.JTI = strings.TrimSpace(claims.JTI)
	claims.Scope = strings.TrimSpace(claims.Scope)
	return claims, nil
}

// Sign produces a token for the given claims. It exists for vendor-side
// issuance tooling and for tests; the engine only ever verifies.
func Sign(priv ed25519.PrivateKey, claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signature := ed25519.Sign(priv, payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(signature), nil
}

// b64urlDecode accepts both padded and unpadded base64url.
func b64urlDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
