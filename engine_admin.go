package credguard

import (
	"context"
	"crypto/sha256"
	"errors"
	"strconv"
	"unicode"

	"github.com/credguard/credguard/internal"
)

// validateNewPassword enforces the composition policy for newly chosen
// passwords. Stored legacy hashes are never re-validated against it.
func (e *Engine) validateNewPassword(plaintext string) error {
	if len(plaintext) < e.config.MinPasswordLength {
		return ErrPasswordPolicy
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range plaintext {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return ErrPasswordPolicy
	}
	return nil
}

// CreateSubject provisions a new account with a temporary password. The
// subject starts active and must change the password on first login.
func (e *Engine) CreateSubject(ctx context.Context, input CreateSubjectInput) error {
	if input.SubjectID == "" {
		return errors.New("subject id is required")
	}
	if err := e.validateNewPassword(input.TempPassword); err != nil {
		return err
	}

	encoded, err := e.codec.Encode(input.TempPassword)
	if err != nil {
		return err
	}

	err = e.store.CreateSubject(ctx, SubjectRecord{
		SubjectID:          input.SubjectID,
		EncodedHash:        encoded,
		Admin:              input.Admin,
		Active:             true,
		MustChangePassword: true,
	})
	if err != nil {
		return err
	}

	return e.okAudit(ctx, input.SubjectID, auditEventAccountCreation,
		map[string]string{"admin": strconv.FormatBool(input.Admin)})
}

// BootstrapSuperAdmin ensures the super-admin account exists. When the
// subject is absent it is created active with the super-admin flag and a
// must-change temporary password; when it already exists as the super
// account the call is a no-op. The account is immune to SetSubjectActive
// and SetSubjectAdmin afterwards.
func (e *Engine) BootstrapSuperAdmin(ctx context.Context, subjectID, tempPassword string) error {
	if subjectID == "" {
		return errors.New("subject id is required")
	}

	rec, err := e.store.GetSubject(ctx, subjectID)
	if err == nil {
		if rec.SuperAdmin {
			return nil
		}
		return ErrSubjectExists
	}
	if !errors.Is(err, ErrSubjectNotFound) {
		return err
	}

	if err := e.validateNewPassword(tempPassword); err != nil {
		return err
	}
	encoded, err := e.codec.Encode(tempPassword)
	if err != nil {
		return err
	}

	err = e.store.CreateSubject(ctx, SubjectRecord{
		SubjectID:          subjectID,
		EncodedHash:        encoded,
		Admin:              true,
		SuperAdmin:         true,
		Active:             true,
		MustChangePassword: true,
	})
	if err != nil {
		return err
	}

	return e.okAudit(ctx, subjectID, auditEventAccountCreation,
		map[string]string{"super_admin": "true"})
}

// ChangePassword verifies the old password and re-encodes the new one with
// the current scheme, clearing any must-change flag.
func (e *Engine) ChangePassword(ctx context.Context, subjectID, oldPassword, newPassword string) error {
	rec, err := e.store.GetSubject(ctx, subjectID)
	if err != nil {
		return err
	}

	if ok, _ := e.codec.Verify(rec.EncodedHash, oldPassword); !ok {
		e.metricInc(MetricPasswordChangeFailure)
		return e.failAudit(ctx, subjectID, auditEventPasswordChange, ErrInvalidCredentials,
			map[string]string{"reason": "invalid_old_password"})
	}

	if err := e.validateNewPassword(newPassword); err != nil {
		e.metricInc(MetricPasswordChangeFailure)
		return e.failAudit(ctx, subjectID, auditEventPasswordChange, err,
			map[string]string{"reason": "policy"})
	}

	encoded, err := e.codec.Encode(newPassword)
	if err != nil {
		return err
	}
	if err := e.store.UpdateCredential(ctx, subjectID, encoded, true); err != nil {
		return err
	}

	e.metricInc(MetricPasswordChangeSuccess)
	return e.okAudit(ctx, subjectID, auditEventPasswordChange, nil)
}

// SetSubjectActive enables or disables an account. The super-admin account
// is refused outright, and deactivating the last active administrator is
// refused too: break-glass aside, the system must always have someone who
// can administer it.
func (e *Engine) SetSubjectActive(ctx context.Context, subjectID string, active bool) error {
	rec, err := e.store.GetSubject(ctx, subjectID)
	if err != nil {
		return err
	}

	if rec.SuperAdmin {
		return e.failAudit(ctx, subjectID, auditEventAccountStatusChange, ErrSuperAdminImmutable,
			map[string]string{"reason": "super_admin"})
	}

	if !active && rec.Active && rec.Privileged() {
		count, err := e.store.CountActiveAdmins(ctx)
		if err != nil {
			return err
		}
		if count <= 1 {
			return e.failAudit(ctx, subjectID, auditEventAccountStatusChange, ErrLastAdminProtection,
				map[string]string{"reason": "last_admin"})
		}
	}

	if err := e.store.SetSubjectActive(ctx, subjectID, active); err != nil {
		return err
	}

	return e.okAudit(ctx, subjectID, auditEventAccountStatusChange,
		map[string]string{"active": strconv.FormatBool(active)})
}

// SetSubjectAdmin grants or revokes the admin flag. The super-admin account
// is refused outright, and the last-administrator protection applies as for
// deactivation.
func (e *Engine) SetSubjectAdmin(ctx context.Context, subjectID string, admin bool) error {
	rec, err := e.store.GetSubject(ctx, subjectID)
	if err != nil {
		return err
	}

	if rec.SuperAdmin {
		return e.failAudit(ctx, subjectID, auditEventAccountRoleChange, ErrSuperAdminImmutable,
			map[string]string{"reason": "super_admin"})
	}

	if !admin && rec.Active && rec.Admin {
		count, err := e.store.CountActiveAdmins(ctx)
		if err != nil {
			return err
		}
		if count <= 1 {
			return e.failAudit(ctx, subjectID, auditEventAccountRoleChange, ErrLastAdminProtection,
				map[string]string{"reason": "last_admin"})
		}
	}

	if err := e.store.SetSubjectAdmin(ctx, subjectID, admin); err != nil {
		return err
	}

	return e.okAudit(ctx, subjectID, auditEventAccountRoleChange,
		map[string]string{"admin": strconv.FormatBool(admin)})
}

// CreateResetToken issues a short-lived numeric reset token for the
// subject. The plaintext is returned exactly once for out-of-band
// delivery; only its hash is stored, and a new token supersedes any
// outstanding one.
func (e *Engine) CreateResetToken(ctx context.Context, subjectID string) (string, error) {
	rec, err := e.store.GetSubject(ctx, subjectID)
	if err != nil {
		return "", err
	}
	if !rec.Active {
		return "", ErrAccountInactive
	}

	token, err := internal.NewOTP(e.config.Reset.TokenDigits)
	if err != nil {
		return "", err
	}

	err = e.store.PutResetToken(ctx, ResetTokenRecord{
		SubjectID: subjectID,
		TokenHash: sha256.Sum256([]byte(token)),
		ExpiresAt: e.now().Add(e.config.Reset.TokenTTL),
	})
	if err != nil {
		return "", err
	}

	e.metricInc(MetricPasswordResetIssued)
	return token, e.okAudit(ctx, subjectID, auditEventPasswordResetRequest,
		map[string]string{"ttl": e.config.Reset.TokenTTL.String()})
}

// ResetPasswordWithToken consumes a reset token and installs a new
// password. Consuming is atomic: a token verifies at most once. A
// successful reset also clears any brute-force lock.
func (e *Engine) ResetPasswordWithToken(ctx context.Context, subjectID, token, newPassword string) error {
	// Policy first: a rejected replacement password must not burn the token.
	if err := e.validateNewPassword(newPassword); err != nil {
		e.metricInc(MetricPasswordResetFailure)
		return e.failAudit(ctx, subjectID, auditEventPasswordResetConfirm, err,
			map[string]string{"reason": "policy"})
	}

	consumed, err := e.store.ConsumeResetToken(ctx, subjectID, sha256.Sum256([]byte(token)), e.now())
	if err != nil {
		return err
	}
	if !consumed {
		e.metricInc(MetricPasswordResetFailure)
		return e.failAudit(ctx, subjectID, auditEventPasswordResetConfirm, ErrResetTokenInvalid, nil)
	}

	encoded, err := e.codec.Encode(newPassword)
	if err != nil {
		return err
	}
	if err := e.store.UpdateCredential(ctx, subjectID, encoded, true); err != nil {
		return err
	}
	if err := e.store.ResetLockout(ctx, subjectID); err != nil {
		return err
	}

	e.metricInc(MetricPasswordResetSuccess)
	return e.okAudit(ctx, subjectID, auditEventPasswordResetConfirm, nil)
}

// SetForceMFA flips the store-backed flag requiring a second factor from
// every subject at login.
func (e *Engine) SetForceMFA(ctx context.Context, actor string, enabled bool) error {
	if err := e.store.SetSystemFlag(ctx, flagForceMFA, enabled); err != nil {
		return err
	}
	return e.okAudit(ctx, actor, auditEventForceMFAChange,
		map[string]string{"enabled": strconv.FormatBool(enabled)})
}

// ForceMFA reads the store-backed force flag. The static
// Config.RequireMFAForAll default ORs into the effective value.
func (e *Engine) ForceMFA(ctx context.Context) (bool, error) {
	if e.config.RequireMFAForAll {
		return true, nil
	}
	return e.store.GetSystemFlag(ctx, flagForceMFA)
}
