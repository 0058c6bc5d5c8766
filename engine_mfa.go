package credguard

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/credguard/credguard/secrets"
)

const totpSeedPurpose = "totp-seed"

func (e *Engine) secretScope(subjectID string) secrets.Scope {
	return secrets.Scope{SubjectID: subjectID, Purpose: totpSeedPurpose}
}

// ProvisionMFA generates a fresh TOTP secret and provisioning URI for the
// subject. Nothing is persisted: the subject proves possession of the
// secret via [Engine.EnableMFA] before the enrollment exists.
func (e *Engine) ProvisionMFA(ctx context.Context, subjectID string) (*MFAProvision, error) {
	rec, err := e.store.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if !rec.Active {
		return nil, ErrAccountInactive
	}

	key, err := e.generateTOTPKey(subjectID)
	if err != nil {
		return nil, err
	}

	provision := &MFAProvision{
		SecretBase32: key.Secret(),
		URI:          key.URL(),
	}
	return provision, e.okAudit(ctx, subjectID, auditEventTOTPSetupRequested, nil)
}

// EnableMFA completes enrollment: the supplied code must verify against the
// provisioned secret, proving the authenticator actually holds it. On
// success the secret is sealed, backup codes are generated, and the
// enrollment is persisted enabled. The returned plaintext backup codes are
// shown exactly once; only their hashes survive.
func (e *Engine) EnableMFA(ctx context.Context, subjectID, secretBase32, code string) ([]string, error) {
	rec, err := e.store.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if !rec.Active {
		return nil, ErrAccountInactive
	}

	if !e.validateTOTP(code, secretBase32, e.now()) {
		e.metricInc(MetricMFAFailure)
		return nil, e.failAudit(ctx, subjectID, auditEventMFAFailure, ErrMFAInvalid,
			map[string]string{"stage": "enable"})
	}

	blob, err := e.protector.Seal([]byte(secretBase32), e.secretScope(subjectID))
	if err != nil {
		return nil, fmt.Errorf("sealing totp secret: %w", err)
	}

	codes, hashes, err := e.newBackupCodes(subjectID)
	if err != nil {
		return nil, err
	}

	err = e.store.PutEnrollment(ctx, subjectID, MFAEnrollment{
		SecretBlob:       blob,
		Enabled:          true,
		EnrolledAt:       e.now(),
		BackupCodeHashes: hashes,
	})
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricMFAEnabled)
	return codes, e.okAudit(ctx, subjectID, auditEventTOTPEnabled,
		map[string]string{"backup_codes": strconv.Itoa(len(codes))})
}

// DisableMFA removes the subject's enrollment, secret and backup codes
// included.
func (e *Engine) DisableMFA(ctx context.Context, subjectID string) error {
	enrollment, err := e.store.GetEnrollment(ctx, subjectID)
	if err != nil {
		return err
	}
	if enrollment == nil {
		return ErrMFANotEnrolled
	}

	if err := e.store.DeleteEnrollment(ctx, subjectID); err != nil {
		return err
	}

	e.metricInc(MetricMFADisabled)
	return e.okAudit(ctx, subjectID, auditEventTOTPDisabled, nil)
}

// VerifyMFA checks a live TOTP code against the subject's enabled
// enrollment.
func (e *Engine) VerifyMFA(ctx context.Context, subjectID, code string) error {
	if err := e.verifyEnrolledCode(ctx, subjectID, code); err != nil {
		if errors.Is(err, ErrMFAInvalid) {
			e.metricInc(MetricMFAFailure)
			return e.failAudit(ctx, subjectID, auditEventMFAFailure, ErrMFAInvalid, nil)
		}
		return err
	}

	e.metricInc(MetricMFASuccess)
	return e.okAudit(ctx, subjectID, auditEventMFASuccess, nil)
}

// verifyEnrolledCode is the shared code-check primitive: it unwraps the
// stored seed and validates the code without auditing, so callers control
// the event they record.
func (e *Engine) verifyEnrolledCode(ctx context.Context, subjectID, code string) error {
	enrollment, err := e.store.GetEnrollment(ctx, subjectID)
	if err != nil {
		return err
	}
	if enrollment == nil || !enrollment.Enabled {
		return ErrMFANotEnrolled
	}

	seed, err := e.protector.Unseal(enrollment.SecretBlob, e.secretScope(subjectID))
	if err != nil {
		return fmt.Errorf("unsealing totp secret: %w", err)
	}

	if !e.validateTOTP(code, string(seed), e.now()) {
		return ErrMFAInvalid
	}
	return nil
}
