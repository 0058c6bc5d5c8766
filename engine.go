package credguard

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log"
	"time"

	"github.com/credguard/credguard/password"
	"github.com/credguard/credguard/secrets"
)

const flagForceMFA = "force_2fa"

// Engine is the credential and session security core. Build one with
// [New]; the zero value is not usable. All methods are safe for concurrent
// use when the configured Store is.
type Engine struct {
	config     Config
	store      Store
	codec      *password.Codec
	protector  secrets.Protector
	vendorKey  ed25519.PublicKey
	dispatcher *auditDispatcher
	metrics    *Metrics
	clock      func() time.Time
}

func (e *Engine) now() time.Time {
	return e.clock()
}

// Close drains the async audit sink. The engine must not be used after.
func (e *Engine) Close() {
	e.dispatcher.Close()
}

// AuditDropped reports how many sink copies were dropped under backpressure.
// Dropped copies never affect the durable audit log.
func (e *Engine) AuditDropped() uint64 {
	return e.dispatcher.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	e.metrics.Inc(id)
}

// Authenticate verifies a subject's password. On success it resets the
// failure counter, transparently upgrades legacy hashes, and reports
// whether a second factor is still required before the subject counts as
// authenticated. On failure the attempt counter advances and may trip the
// lockout. A non-nil result with a non-nil error only happens when the
// error is [ErrAuditUnavailable]: the login itself succeeded but could not
// be recorded.
func (e *Engine) Authenticate(ctx context.Context, subjectID, plaintext string) (*AuthResult, error) {
	rec, err := e.store.GetSubject(ctx, subjectID)
	if errors.Is(err, ErrSubjectNotFound) {
		e.metricInc(MetricLoginFailure)
		return nil, e.failAudit(ctx, subjectID, auditEventLoginFailure, ErrInvalidCredentials,
			map[string]string{"reason": "unknown_subject"})
	}
	if err != nil {
		return nil, err
	}

	now := e.now()
	policy := e.config.lockoutPolicy()

	status := policy.Status(LockoutState{Attempts: rec.FailedAttempts, LockedUntil: rec.LockedUntil}, now)
	if !status.Allowed {
		e.metricInc(MetricLoginLocked)
		lockErr := &AccountLockedError{RetryAfter: status.RetryAfter}
		return nil, e.failAudit(ctx, subjectID, auditEventLoginLocked, lockErr,
			map[string]string{"retry_after": status.RetryAfter.String()})
	}

	if !rec.Active {
		e.metricInc(MetricLoginFailure)
		return nil, e.failAudit(ctx, subjectID, auditEventLoginFailure, ErrAccountInactive,
			map[string]string{"reason": "inactive"})
	}

	ok, needsRehash := e.codec.Verify(rec.EncodedHash, plaintext)
	if !ok {
		e.metricInc(MetricLoginFailure)
		state, recErr := e.store.RecordFailedAttempt(ctx, subjectID, policy, now)
		if recErr != nil {
			return nil, errors.Join(ErrInvalidCredentials, recErr)
		}
		details := map[string]string{"reason": "bad_password"}
		if !policy.Status(state, now).Allowed {
			e.metricInc(MetricAccountLocked)
			details["locked_until"] = state.LockedUntil.UTC().Format(time.RFC3339)
		}
		return nil, e.failAudit(ctx, subjectID, auditEventLoginFailure, ErrInvalidCredentials, details)
	}

	if err := e.store.ResetLockout(ctx, subjectID); err != nil {
		return nil, err
	}

	if needsRehash {
		// Best effort: a failed upgrade must not fail the login.
		if upgraded, encErr := e.codec.Encode(plaintext); encErr == nil {
			if updErr := e.store.UpdateCredential(ctx, subjectID, upgraded, false); updErr != nil {
				log.Printf("credguard: credential upgrade for %s failed: %v", subjectID, updErr)
			} else {
				e.metricInc(MetricLoginRehash)
			}
		} else {
			log.Printf("credguard: credential re-encode for %s failed: %v", subjectID, encErr)
		}
	}

	if err := e.store.TouchLastLogin(ctx, subjectID, now); err != nil {
		log.Printf("credguard: last-login update for %s failed: %v", subjectID, err)
	}

	mfaRequired, err := e.mfaRequired(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	result := &AuthResult{
		SubjectID:          rec.SubjectID,
		Admin:              rec.Admin,
		SuperAdmin:         rec.SuperAdmin,
		MFARequired:        mfaRequired,
		MustChangePassword: rec.MustChangePassword,
	}

	e.metricInc(MetricLoginSuccess)
	details := map[string]string{}
	if mfaRequired {
		e.metricInc(MetricMFARequired)
		details["mfa"] = "required"
	}
	if needsRehash {
		details["credential"] = "upgraded"
	}
	return result, e.okAudit(ctx, subjectID, auditEventLoginSuccess, details)
}

// mfaRequired reports whether a second factor must follow a successful
// password check: either the subject has an enabled enrollment, or the
// force-MFA flag demands one from everybody.
func (e *Engine) mfaRequired(ctx context.Context, subjectID string) (bool, error) {
	enrollment, err := e.store.GetEnrollment(ctx, subjectID)
	if err != nil {
		return false, err
	}
	if enrollment != nil && enrollment.Enabled {
		return true, nil
	}

	if e.config.RequireMFAForAll {
		return true, nil
	}
	forced, err := e.store.GetSystemFlag(ctx, flagForceMFA)
	if err != nil {
		return false, err
	}
	return forced, nil
}

// CheckLockout reports whether login attempts are currently admitted for a
// subject, without counting an attempt.
func (e *Engine) CheckLockout(ctx context.Context, subjectID string) (LockoutStatus, error) {
	state, err := e.store.GetLockout(ctx, subjectID)
	if err != nil {
		return LockoutStatus{}, err
	}
	return e.config.lockoutPolicy().Status(state, e.now()), nil
}
