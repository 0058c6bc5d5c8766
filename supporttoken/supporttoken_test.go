package supporttoken

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return pub, priv
}

func validClaims(now time.Time) Claims {
	return Claims{
		Exp:   now.Add(time.Hour).Unix(),
		JTI:   "jti-0001",
		Scope: "admin_full",
	}
}

func TestVerifyValidToken(t *testing.T) {
	pub, priv := testKeyPair(t)
	now := time.Now()

	token, err := Sign(priv, validClaims(now))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	claims, err := Verify(token, pub, now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.JTI != "jti-0001" || claims.Scope != "admin_full" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestVerifyAcceptsPaddedBase64(t *testing.T) {
	pub, priv := testKeyPair(t)
	now := time.Now()

	token, err := Sign(priv, validClaims(now))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	payloadB64, signatureB64, _ := strings.Cut(token, ".")
	pad := func(s string) string {
		raw, _ := base64.RawURLEncoding.DecodeString(s)
		return base64.URLEncoding.EncodeToString(raw)
	}

	if _, err := Verify(pad(payloadB64)+"."+pad(signatureB64), pub, now); err != nil {
		t.Fatalf("Verify padded: %v", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	pub, _ := testKeyPair(t)
	now := time.Now()

	cases := []string{
		"",
		"single-part",
		"a.b.c",
		".signature",
		"payload.",
		"!!!.???",
	}
	for _, token := range cases {
		if _, err := Verify(token, pub, now); !errors.Is(err, ErrMalformed) {
			t.Fatalf("token %q: got %v, want ErrMalformed", token, err)
		}
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	pub, priv := testKeyPair(t)
	now := time.Now()

	token, err := Sign(priv, validClaims(now))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tampered := validClaims(now)
	tampered.Scope = "root_everything"
	payload, _ := Sign(priv, tampered)
	forgedPayload, _, _ := strings.Cut(payload, ".")
	_, origSig, _ := strings.Cut(token, ".")

	if _, err := Verify(forgedPayload+"."+origSig, pub, now); !errors.Is(err, ErrSignature) {
		t.Fatalf("got %v, want ErrSignature", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv := testKeyPair(t)
	otherPub, _ := testKeyPair(t)
	now := time.Now()

	token, err := Sign(priv, validClaims(now))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := Verify(token, otherPub, now); !errors.Is(err, ErrSignature) {
		t.Fatalf("got %v, want ErrSignature", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	pub, priv := testKeyPair(t)
	now := time.Now()

	claims := validClaims(now)
	claims.Exp = now.Add(-time.Minute).Unix()
	token, err := Sign(priv, claims)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := Verify(token, pub, now); !errors.Is(err, ErrExpired) {
		t.Fatalf("got %v, want ErrExpired", err)
	}

	// A missing exp claim is treated as expired, not open-ended.
	claims.Exp = 0
	token, err = Sign(priv, claims)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := Verify(token, pub, now); !errors.Is(err, ErrExpired) {
		t.Fatalf("got %v, want ErrExpired", err)
	}
}

func TestVerifyMissingClaims(t *testing.T) {
	pub, priv := testKeyPair(t)
	now := time.Now()

	cases := []Claims{
		{Exp: now.Add(time.Hour).Unix(), JTI: "", Scope: "admin_full"},
		{Exp: now.Add(time.Hour).Unix(), JTI: "jti-0001", Scope: ""},
		{Exp: now.Add(time.Hour).Unix(), JTI: "   ", Scope: "admin_full"},
	}
	for _, claims := range cases {
		token, err := Sign(priv, claims)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if _, err := Verify(token, pub, now); !errors.Is(err, ErrClaims) {
			t.Fatalf("claims %+v: got %v, want ErrClaims", claims, err)
		}
	}
}

func TestVendorPublicKeyParses(t *testing.T) {
	pub := VendorPublicKey()
	if len(pub) != ed25519.PublicKeySize {
		t.Fatalf("unexpected key size %d", len(pub))
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKey("not pem at all"); err == nil {
		t.Fatal("expected error for non-PEM input")
	}
}
