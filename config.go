package credguard

import (
	"errors"
	"time"
)

// PasswordConfig holds the Argon2id parameters for the current credential
// scheme. All values are validated against the codec minimums at build time.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// LockoutConfig configures the brute-force lockout policy.
type LockoutConfig struct {
	Threshold        uint32
	BaseLockDuration time.Duration
	MaxBackoffSteps  uint32
}

// MFAConfig configures TOTP verification and backup codes.
type MFAConfig struct {
	Issuer           string
	Period           uint
	Digits           int
	Skew             uint
	BackupCodeCount  int
	BackupCodeLength int
}

// SupportConfig configures break-glass token verification. VendorPublicKeyPEM
// defaults to the key compiled into the supporttoken package; overriding it
// is a build/test concern, not runtime configuration.
type SupportConfig struct {
	VendorPublicKeyPEM string
}

// ResetConfig configures single-use password reset tokens.
type ResetConfig struct {
	TokenDigits int
	TokenTTL    time.Duration
}

// AuditConfig configures the synchronous audit log and the optional async
// sink dispatcher.
type AuditConfig struct {
	SinkEnabled    bool
	SinkBufferSize int
	DropIfFull     bool
	QueryLimit     int
}

// MetricsConfig enables the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

// Config is the full engine configuration. Obtain a baseline from
// [DefaultConfig] and adjust before building; the zero value does not
// validate.
type Config struct {
	Password PasswordConfig
	Lockout  LockoutConfig
	MFA      MFAConfig
	Support  SupportConfig
	Reset    ResetConfig
	Audit    AuditConfig
	Metrics  MetricsConfig

	// RequireMFAForAll mirrors the store-backed force-2FA flag as a static
	// default; the runtime flag set via [Engine.SetForceMFA] wins when set.
	RequireMFAForAll bool

	// MinPasswordLength applies to ChangePassword, CreateSubject and reset
	// flows. Stored legacy hashes are never re-validated against it.
	MinPasswordLength int
}

// DefaultConfig returns the production baseline: Argon2id 64 MiB/t=3/p=4,
// lockout 5 failures then 15m doubling to a 120m cap, 6-digit TOTP with ±1
// step skew, ten 8-character backup codes.
func DefaultConfig() Config {
	return Config{
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 4,
			SaltLength:  16,
			KeyLength:   32,
		},
		Lockout: LockoutConfig{
			Threshold:        5,
			BaseLockDuration: 15 * time.Minute,
			MaxBackoffSteps:  3,
		},
		MFA: MFAConfig{
			Issuer:           "credguard",
			Period:           30,
			Digits:           6,
			Skew:             1,
			BackupCodeCount:  10,
			BackupCodeLength: 8,
		},
		Reset: ResetConfig{
			TokenDigits: 6,
			TokenTTL:    15 * time.Minute,
		},
		Audit: AuditConfig{
			SinkEnabled:    true,
			SinkBufferSize: 256,
			DropIfFull:     true,
			QueryLimit:     100,
		},
		Metrics:           MetricsConfig{Enabled: true},
		MinPasswordLength: 10,
	}
}

// Validate checks the configuration for internally inconsistent or unsafe
// values. It is called by [Builder.Build].
func (c Config) Validate() error {
	if c.Lockout.Threshold == 0 {
		return errors.New("lockout threshold must be >= 1")
	}
	if c.Lockout.BaseLockDuration <= 0 {
		return errors.New("lockout base duration must be positive")
	}
	if c.MFA.Period == 0 {
		return errors.New("mfa period must be positive")
	}
	if c.MFA.Digits != 6 && c.MFA.Digits != 8 {
		return errors.New("mfa digits must be 6 or 8")
	}
	if c.MFA.BackupCodeCount <= 0 {
		return errors.New("backup code count must be >= 1")
	}
	if c.MFA.BackupCodeLength < 8 {
		return errors.New("backup code length must be >= 8")
	}
	if c.MFA.Issuer == "" {
		return errors.New("mfa issuer must be set")
	}
	if c.Reset.TokenDigits < 6 || c.Reset.TokenDigits > 10 {
		return errors.New("reset token digits must be between 6 and 10")
	}
	if c.Reset.TokenTTL <= 0 {
		return errors.New("reset token ttl must be positive")
	}
	if c.Audit.QueryLimit <= 0 {
		return errors.New("audit query limit must be >= 1")
	}
	if c.MinPasswordLength < 10 {
		return errors.New("minimum password length must be >= 10")
	}
	return nil
}

func (c Config) lockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		Threshold:        c.Lockout.Threshold,
		BaseLockDuration: c.Lockout.BaseLockDuration,
		MaxBackoffSteps:  c.Lockout.MaxBackoffSteps,
	}
}
