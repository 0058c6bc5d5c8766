package credguard

import (
	"errors"
	"fmt"
	"time"

	"github.com/credguard/credguard/supporttoken"
)

var (
	// ErrInvalidCredentials is returned when a password does not match the
	// stored credential. It deliberately covers "subject not found" as well,
	// so callers cannot enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountInactive is returned when the subject account is disabled or
	// soft-deleted.
	ErrAccountInactive = errors.New("account inactive")
	// ErrAccountLocked is returned while a brute-force lock is in effect.
	// The concrete error is an [AccountLockedError] carrying the wait time.
	ErrAccountLocked = errors.New("account locked")
	// ErrMFARequired is returned when the subject has MFA enabled and the
	// operation needs a live second factor that was not supplied.
	ErrMFARequired = errors.New("mfa required")
	// ErrMFAInvalid is returned when a supplied TOTP code does not verify.
	ErrMFAInvalid = errors.New("invalid mfa code")
	// ErrMFANotEnrolled is returned when an operation requires an active MFA
	// enrollment and the subject has none.
	ErrMFANotEnrolled = errors.New("mfa not enrolled")
	// ErrBackupCodeInvalid is returned when a backup code does not match any
	// remaining unconsumed code.
	ErrBackupCodeInvalid = errors.New("invalid backup code")

	// ErrTokenMalformed is returned for a support token that is not a
	// well-formed payload.signature envelope.
	ErrTokenMalformed = supporttoken.ErrMalformed
	// ErrTokenSignature is returned when the support token signature does not
	// verify against the vendor public key.
	ErrTokenSignature = supporttoken.ErrSignature
	// ErrTokenExpired is returned when the support token exp claim has passed.
	ErrTokenExpired = supporttoken.ErrExpired
	// ErrTokenClaims is returned when required claims (jti, scope) are absent.
	ErrTokenClaims = supporttoken.ErrClaims
	// ErrTokenAlreadyUsed is returned when the token jti has been consumed
	// before. Used jtis are never forgotten.
	ErrTokenAlreadyUsed = errors.New("support token already used")

	// ErrInsufficientPrivilege is returned when the acting subject lacks the
	// admin or super-admin flag required by the operation.
	ErrInsufficientPrivilege = errors.New("insufficient privilege")
	// ErrLastAdminProtection is returned when an operation would deactivate or
	// demote the final active administrator.
	ErrLastAdminProtection = errors.New("cannot remove last administrator")
	// ErrSuperAdminImmutable is returned when an operation would deactivate or
	// demote the super-admin account. That account is managed only through
	// [Engine.BootstrapSuperAdmin].
	ErrSuperAdminImmutable = errors.New("super-admin account cannot be modified")
	// ErrSubjectNotFound is returned by store lookups for unknown subjects.
	// Authentication paths translate it to [ErrInvalidCredentials].
	ErrSubjectNotFound = errors.New("subject not found")
	// ErrSubjectExists is returned when creating a subject that already exists.
	ErrSubjectExists = errors.New("subject already exists")
	// ErrResetTokenInvalid is returned when a password reset token is unknown,
	// expired, or already consumed.
	ErrResetTokenInvalid = errors.New("reset token invalid or expired")
	// ErrPasswordPolicy is returned when a new password fails validation.
	ErrPasswordPolicy = errors.New("password policy violation")

	// ErrStoreUnavailable is returned when the persistence boundary fails.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrAuditUnavailable is returned (joined, never merged) when an audit
	// append fails. Losing security audit data is itself a finding, so the
	// failure is always surfaced alongside the operation outcome.
	ErrAuditUnavailable = errors.New("audit store unavailable")
)

// AccountLockedError carries the remaining lock duration for a subject. It
// matches [ErrAccountLocked] under errors.Is.
type AccountLockedError struct {
	RetryAfter time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter)
}

// Is reports whether target is [ErrAccountLocked].
func (e *AccountLockedError) Is(target error) bool {
	return target == ErrAccountLocked
}
