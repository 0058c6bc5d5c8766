package internal

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// backupCodeAlphabet deliberately excludes lowercase: codes are read over
// the phone and re-typed, so they normalize to uppercase on input.
const backupCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewBackupCode returns a random uppercase alphanumeric recovery code.
func NewBackupCode(length int) (string, error) {
	if length < 8 {
		return "", errors.New("invalid backup code length")
	}

	var b strings.Builder
	b.Grow(length)

	max := big.NewInt(int64(len(backupCodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(backupCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NewOTP returns a random numeric code of the given width, for one-shot
// flows like password reset.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}
