package credguard

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpSecretSize = 20

func (e *Engine) generateTOTPKey(subjectID string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      e.config.MFA.Issuer,
		AccountName: subjectID,
		Period:      e.config.MFA.Period,
		SecretSize:  totpSecretSize,
		Digits:      otp.Digits(e.config.MFA.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
}

// validateTOTP checks code against secret at the given instant, honoring
// the configured step skew.
func (e *Engine) validateTOTP(code, secret string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    e.config.MFA.Period,
		Skew:      e.config.MFA.Skew,
		Digits:    otp.Digits(e.config.MFA.Digits),
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
