package internal

import (
	"strings"
	"testing"
)

func TestNewBackupCode(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		code, err := NewBackupCode(8)
		if err != nil {
			t.Fatalf("NewBackupCode: %v", err)
		}
		if len(code) != 8 {
			t.Fatalf("length = %d, want 8", len(code))
		}
		for _, c := range code {
			if !strings.ContainsRune(backupCodeAlphabet, c) {
				t.Fatalf("unexpected character %q in %q", c, code)
			}
		}
		seen[code] = struct{}{}
	}
	if len(seen) < 45 {
		t.Fatalf("suspiciously many duplicate codes: %d unique of 50", len(seen))
	}

	if _, err := NewBackupCode(4); err == nil {
		t.Fatal("expected error for short code length")
	}
}

func TestNewOTP(t *testing.T) {
	otp, err := NewOTP(6)
	if err != nil {
		t.Fatalf("NewOTP: %v", err)
	}
	if len(otp) != 6 {
		t.Fatalf("length = %d, want 6", len(otp))
	}
	for _, c := range otp {
		if c < '0' || c > '9' {
			t.Fatalf("non-digit %q in %q", c, otp)
		}
	}

	if _, err := NewOTP(3); err == nil {
		t.Fatal("expected error for invalid width")
	}
	if _, err := NewOTP(11); err == nil {
		t.Fatal("expected error for invalid width")
	}
}
