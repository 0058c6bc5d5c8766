package credguard

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	auditEventLoginSuccess         = "login_success"
	auditEventLoginFailure         = "login_failure"
	auditEventLoginLocked          = "login_locked"
	auditEventPasswordChange       = "password_change"
	auditEventPasswordResetRequest = "password_reset_request"
	auditEventPasswordResetConfirm = "password_reset_confirm"
	auditEventAccountCreation      = "account_creation"
	auditEventAccountStatusChange  = "account_status_change"
	auditEventAccountRoleChange    = "account_role_change"
	auditEventTOTPSetupRequested   = "totp_setup_requested"
	auditEventTOTPEnabled          = "totp_enabled"
	auditEventTOTPDisabled         = "totp_disabled"
	auditEventMFASuccess           = "mfa_success"
	auditEventMFAFailure           = "mfa_failure"
	auditEventBackupCodesGenerated = "backup_codes_generated"
	auditEventBackupCodeUsed       = "backup_code_used"
	auditEventBackupCodeFailed     = "backup_code_failed"
	auditEventSupportSessionStart  = "support_session_start"
	auditEventSupportSessionDenied = "support_session_denied"
	auditEventSupportSessionStop   = "support_session_stop"
	auditEventForceMFAChange       = "force_mfa_change"
)

// recordAudit appends an entry to the durable audit log and, on success,
// forwards a copy to the async sink. The append happens before the calling
// operation returns; a failed append surfaces as [ErrAuditUnavailable].
func (e *Engine) recordAudit(ctx context.Context, actor, action string, success *bool, details map[string]string) error {
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: e.now(),
		Actor:     actor,
		Action:    action,
		Success:   success,
		Details:   details,
	}

	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.metricInc(MetricAuditAppendFailure)
		if errors.Is(err, ErrAuditUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}

	e.dispatcher.Emit(ctx, entry)
	return nil
}

// failAudit records a failed operation and returns opErr, joined with the
// audit error if the append itself failed. The two conditions stay
// distinguishable via errors.Is.
func (e *Engine) failAudit(ctx context.Context, actor, action string, opErr error, details map[string]string) error {
	failed := false
	if auditErr := e.recordAudit(ctx, actor, action, &failed, details); auditErr != nil {
		return errors.Join(opErr, auditErr)
	}
	return opErr
}

// okAudit records a successful operation. A non-nil return means the
// operation succeeded but the audit append did not.
func (e *Engine) okAudit(ctx context.Context, actor, action string, details map[string]string) error {
	succeeded := true
	return e.recordAudit(ctx, actor, action, &succeeded, details)
}

// RecordAuditEvent appends a caller-defined audit entry. It exists for the
// surrounding application to log security-relevant events through the same
// durable log the engine uses.
func (e *Engine) RecordAuditEvent(ctx context.Context, actor, action string, success *bool, details map[string]string) error {
	return e.recordAudit(ctx, actor, action, success, details)
}

// QueryAuditLog returns matching audit entries, newest first. A Limit of
// zero or less applies the configured default.
func (e *Engine) QueryAuditLog(ctx context.Context, query AuditQuery) ([]AuditEntry, error) {
	if query.Limit <= 0 {
		query.Limit = e.config.Audit.QueryLimit
	}
	return e.store.QueryAudit(ctx, query)
}
