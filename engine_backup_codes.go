package credguard

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"strconv"
	"strings"

	"github.com/credguard/credguard/internal"
)

// backupCodeHash binds a code hash to its subject, so a hash lifted from
// one record cannot be replayed against another.
func backupCodeHash(subjectID, code string) [32]byte {
	mac := hmac.New(sha256.New, []byte("credguard:backup-code:"+subjectID))
	mac.Write([]byte(code))

	var hash [32]byte
	copy(hash[:], mac.Sum(nil))
	return hash
}

// normalizeBackupCode tolerates the forms people type after reading a code
// off a printout: surrounding whitespace, lowercase, and dash grouping.
func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}

func (e *Engine) newBackupCodes(subjectID string) ([]string, [][32]byte, error) {
	count := e.config.MFA.BackupCodeCount
	codes := make([]string, 0, count)
	hashes := make([][32]byte, 0, count)

	for i := 0; i < count; i++ {
		code, err := internal.NewBackupCode(e.config.MFA.BackupCodeLength)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, backupCodeHash(subjectID, code))
	}
	return codes, hashes, nil
}

// ConsumeBackupCode verifies and burns one recovery code. Consumption is a
// single atomic step in the store: under concurrent use of the same code,
// exactly one caller succeeds.
func (e *Engine) ConsumeBackupCode(ctx context.Context, subjectID, code string) error {
	enrollment, err := e.store.GetEnrollment(ctx, subjectID)
	if err != nil {
		return err
	}
	if enrollment == nil || !enrollment.Enabled {
		return ErrMFANotEnrolled
	}

	hash := backupCodeHash(subjectID, normalizeBackupCode(code))
	consumed, err := e.store.ConsumeBackupCode(ctx, subjectID, hash)
	if err != nil {
		return err
	}
	if !consumed {
		e.metricInc(MetricBackupCodeFailed)
		return e.failAudit(ctx, subjectID, auditEventBackupCodeFailed, ErrBackupCodeInvalid, nil)
	}

	e.metricInc(MetricBackupCodeUsed)
	remaining := len(enrollment.BackupCodeHashes) - 1
	return e.okAudit(ctx, subjectID, auditEventBackupCodeUsed,
		map[string]string{"remaining": strconv.Itoa(remaining)})
}

// RegenerateBackupCodes replaces every outstanding code with a fresh set
// and returns the new plaintext codes, shown exactly once.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, subjectID string) ([]string, error) {
	enrollment, err := e.store.GetEnrollment(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if enrollment == nil || !enrollment.Enabled {
		return nil, ErrMFANotEnrolled
	}

	codes, hashes, err := e.newBackupCodes(subjectID)
	if err != nil {
		return nil, err
	}
	if err := e.store.ReplaceBackupCodes(ctx, subjectID, hashes); err != nil {
		return nil, err
	}

	e.metricInc(MetricBackupCodeRegenerated)
	return codes, e.okAudit(ctx, subjectID, auditEventBackupCodesGenerated,
		map[string]string{"count": strconv.Itoa(len(codes))})
}
