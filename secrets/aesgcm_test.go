package secrets

import (
	"bytes"
	"errors"
	"testing"
)

func testProtector() *AESGCM {
	return NewAESGCM(StaticKeyProvider{KeyBytes: bytes.Repeat([]byte{0x42}, 32)})
}

func TestSealUnsealRoundTrip(t *testing.T) {
	p := testProtector()
	scope := Scope{SubjectID: "alice", Purpose: "totp-seed"}

	blob, err := p.Seal([]byte("JBSWY3DPEHPK3PXP"), scope)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	plain, err := p.Unseal(blob, scope)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if string(plain) != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestUnsealRejectsWrongScope(t *testing.T) {
	p := testProtector()

	blob, err := p.Seal([]byte("seed"), Scope{SubjectID: "alice", Purpose: "totp-seed"})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	wrong := []Scope{
		{SubjectID: "bob", Purpose: "totp-seed"},
		{SubjectID: "alice", Purpose: "recovery"},
	}
	for _, scope := range wrong {
		if _, err := p.Unseal(blob, scope); !errors.Is(err, ErrUnsealFailed) {
			t.Fatalf("scope %+v: got %v, want ErrUnsealFailed", scope, err)
		}
	}
}

func TestUnsealRejectsTamperedBlob(t *testing.T) {
	p := testProtector()
	scope := Scope{SubjectID: "alice", Purpose: "totp-seed"}

	blob, err := p.Seal([]byte("seed"), scope)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	blob[len(blob)-1] ^= 0x01
	if _, err := p.Unseal(blob, scope); !errors.Is(err, ErrUnsealFailed) {
		t.Fatalf("got %v, want ErrUnsealFailed", err)
	}
}

func TestUnsealRejectsBadEnvelope(t *testing.T) {
	p := testProtector()
	scope := Scope{SubjectID: "alice", Purpose: "totp-seed"}

	if _, err := p.Unseal([]byte{0x00, 0x01}, scope); !errors.Is(err, ErrBlobTooShort) {
		t.Fatalf("got %v, want ErrBlobTooShort", err)
	}

	blob, err := p.Seal([]byte("seed"), scope)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	blob[0], blob[1] = 0xff, 0xff
	if _, err := p.Unseal(blob, scope); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("got %v, want ErrUnsupportedVersion", err)
	}
}

func TestPassthroughCopies(t *testing.T) {
	var p Passthrough
	in := []byte("seed")

	blob, err := p.Seal(in, Scope{})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	blob[0] = 'X'
	if in[0] != 's' {
		t.Fatal("Seal must not alias its input")
	}
}
