package credguard

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/credguard/credguard/supporttoken"
)

// VerifySupportToken checks a vendor-issued break-glass token without
// starting a session or consuming its jti. Failures map to the
// ErrToken* sentinels in rejection order: structure, signature, expiry,
// claims.
func (e *Engine) VerifySupportToken(token string) (supporttoken.Claims, error) {
	claims, err := supporttoken.Verify(token, e.vendorKey, e.now())
	if err != nil {
		e.metricInc(MetricSupportTokenRejected)
		return supporttoken.Claims{}, err
	}
	return claims, nil
}

// StartSupportSession authorizes a break-glass session. Every precondition
// is checked before any state changes: the actor must be an active admin or
// super-admin with MFA enabled and a verifying live code, and the token
// must verify with an unused jti. Claiming the jti is the commit point;
// once claimed it is never released, even if a later step fails.
func (e *Engine) StartSupportSession(ctx context.Context, actor, token, totpCode string) (SupportSession, error) {
	deny := func(opErr error, reason string) (SupportSession, error) {
		return SupportSession{}, e.failAudit(ctx, actor, auditEventSupportSessionDenied, opErr,
			map[string]string{"reason": reason})
	}

	rec, err := e.store.GetSubject(ctx, actor)
	if errors.Is(err, ErrSubjectNotFound) {
		return deny(ErrSubjectNotFound, "actor_not_found")
	}
	if err != nil {
		return SupportSession{}, err
	}
	if !rec.Active {
		return deny(ErrAccountInactive, "actor_inactive")
	}
	if !rec.Privileged() {
		return deny(ErrInsufficientPrivilege, "actor_not_privileged")
	}

	if err := e.verifyEnrolledCode(ctx, actor, totpCode); err != nil {
		switch {
		case errors.Is(err, ErrMFANotEnrolled):
			return deny(ErrMFARequired, "mfa_not_enrolled")
		case errors.Is(err, ErrMFAInvalid):
			e.metricInc(MetricMFAFailure)
			return deny(ErrMFAInvalid, "mfa_invalid")
		default:
			return SupportSession{}, err
		}
	}

	claims, err := supporttoken.Verify(token, e.vendorKey, e.now())
	if err != nil {
		e.metricInc(MetricSupportTokenRejected)
		return deny(err, "token_rejected")
	}

	claimed, err := e.store.MarkTokenUsed(ctx, claims.JTI)
	if err != nil {
		return SupportSession{}, err
	}
	if !claimed {
		e.metricInc(MetricSupportTokenReplay)
		return deny(ErrTokenAlreadyUsed, "token_replayed")
	}

	session := SupportSession{
		Active:    true,
		Actor:     actor,
		StartedAt: e.now(),
		ExpiresAt: time.Unix(claims.Exp, 0),
		JTI:       claims.JTI,
		Scope:     claims.Scope,
	}
	if err := e.store.PutSupportSession(ctx, session); err != nil {
		return SupportSession{}, err
	}

	e.metricInc(MetricSupportSessionStarted)
	return session, e.okAudit(ctx, actor, auditEventSupportSessionStart, map[string]string{
		"jti":   claims.JTI,
		"scope": claims.Scope,
		"exp":   strconv.FormatInt(claims.Exp, 10),
	})
}

// StopSupportSession deactivates the current session unconditionally,
// preserving what it replaced in the audit details. Stopping an already
// inactive session is not an error.
func (e *Engine) StopSupportSession(ctx context.Context, actor string) error {
	prev, err := e.store.GetSupportSession(ctx)
	if err != nil {
		return err
	}

	if err := e.store.PutSupportSession(ctx, SupportSession{Active: false}); err != nil {
		return err
	}

	details := map[string]string{
		"prev_active": strconv.FormatBool(prev.Active),
	}
	if prev.Active {
		details["prev_actor"] = prev.Actor
		details["prev_jti"] = prev.JTI
		details["prev_scope"] = prev.Scope
	}

	e.metricInc(MetricSupportSessionStopped)
	return e.okAudit(ctx, actor, auditEventSupportSessionStop, details)
}

// SupportSessionState returns the current break-glass state, lazily
// flipping an expired session to inactive. There is no background timer;
// expiry is only observed here.
func (e *Engine) SupportSessionState(ctx context.Context) (SupportSession, error) {
	session, err := e.store.GetSupportSession(ctx)
	if err != nil {
		return SupportSession{}, err
	}

	if session.Active && !session.ExpiresAt.IsZero() && session.ExpiresAt.Before(e.now()) {
		session.Active = false
		if err := e.store.PutSupportSession(ctx, session); err != nil {
			return SupportSession{}, err
		}
	}
	return session, nil
}
