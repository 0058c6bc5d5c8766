// Package memory provides an in-process Store implementation. All mutations
// run under a single mutex, which gives every check-and-act operation the
// atomicity the engine requires. Suitable for tests and single-process
// deployments; use store/redis for anything shared.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/credguard/credguard"
)

type subjectState struct {
	record     credguard.SubjectRecord
	enrollment *credguard.MFAEnrollment
	resetToken *credguard.ResetTokenRecord
}

// Store implements credguard.Store in memory.
type Store struct {
	mu       sync.Mutex
	subjects map[string]*subjectState
	session  credguard.SupportSession
	usedJTIs map[string]struct{}
	flags    map[string]bool
	audit    []credguard.AuditEntry
}

func New() *Store {
	return &Store{
		subjects: make(map[string]*subjectState),
		usedJTIs: make(map[string]struct{}),
		flags:    make(map[string]bool),
	}
}

func (s *Store) subject(subjectID string) (*subjectState, error) {
	st, ok := s.subjects[subjectID]
	if !ok {
		return nil, credguard.ErrSubjectNotFound
	}
	return st, nil
}

func (s *Store) GetSubject(_ context.Context, subjectID string) (credguard.SubjectRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.subject(subjectID)
	if err != nil {
		return credguard.SubjectRecord{}, err
	}
	return st.record, nil
}

func (s *Store) CreateSubject(_ context.Context, rec credguard.SubjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subjects[rec.SubjectID]; ok {
		return credguard.ErrSubjectExists
	}
	s.subjects[rec.SubjectID] = &subjectState{record: rec}
	return nil
}

func (s *Store) UpdateCredential(_ context.Context, subjectID, encodedHash string, clearMustChange bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.subject(subjectID)
	if err != nil {
		return err
	}
	st.record.EncodedHash = encodedHash
	if clearMustChange {
		st.record.MustChangePassword = false
	}
	return nil
}

func (s *Store) SetSubjectActive(_ context.Context, subjectID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.subject(subjectID)
	if err != nil {
		return err
	}
	st.record.Active = active
	return nil
}

func (s *Store) SetSubjectAdmin(_ context.Context, subjectID string, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.subject(subjectID)
	if err != nil {
		return err
	}
	st.record.Admin = admin
	return nil
}

func (s *Store) CountActiveAdmins(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, st := range s.subjects {
		if st.record.Active && st.record.Privileged() {
			count++
		}
	}
	return count, nil
}

func (s *Store) TouchLastLogin(_ context.Context, subjectID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.subject(subjectID)
	if err != nil {
		return err
	}
	st.record.LastLogin = at
	return nil
}

func (s *Store) RecordFailedAttempt(_ context.Context, subjectID string, policy credguard.LockoutPolicy, now time.Time) (credguard.LockoutState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.subject(subjectID)
	if err != nil {
		return credguard.LockoutState{}, err
	}

	st.record.FailedAttempts++
	if until := policy.LockUntil(st.record.FailedAttempts, now); !until.IsZero() {
		st.record.LockedUntil = until
	}

	return credguard.LockoutState{
		Attempts:    st.record.FailedAttempts,
		LockedUntil: st.record.LockedUntil,
	}, nil
}

func (s *Store) ResetLockout(_ context.Context, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.subject(subjectID)
	if err != nil {
		return err
	}
	st.record.FailedAttempts = 0
	st.record.LockedUntil = time.Time{}
	return nil
}

func (s *Store) GetLockout(_ context.Context, subjectID string) (credguard.LockoutState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.subject(subjectID)
	if err != nil {
		return credguard.LockoutState{}, err
	}
	return credguard.LockoutState{
		Attempts:    st.record.FailedAttempts,
		LockedUntil: st.record.LockedUntil,
	}, nil
}

func (s *Store) GetEnrollment(_ context.Context, subjectID string) (*credguard.MFAEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.subject(subjectID)
	if err != nil {
		return nil, err
	}
	if st.enrollment == nil {
		return nil, nil
	}
	return copyEnrollment(st.enrollment), nil
}

func (s *Store) PutEnrollment(_ context.Context, subjectID string, enrollment credguard.MFAEnrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.subject(subjectID)
	if err != nil {
		return err
	}
	st.enrollment = copyEnrollment(&enrollment)
	return nil
}

func (s *Store) DeleteEnrollment(_ context.Context, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.subject(subjectID)
	if err != nil {
		return err
	}
	st.enrollment = nil
	return nil
}

func (s *Store) ReplaceBackupCodes(_ context.Context, subjectID string, hashes [][32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.subject(subjectID)
	if err != nil {
		return err
	}
	if st.enrollment == nil {
		return credguard.ErrMFANotEnrolled
	}
	st.enrollment.BackupCodeHashes = append([][32]byte(nil), hashes...)
	return nil
}

func (s *Store) ConsumeBackupCode(_ context.Context, subjectID string, hash [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.subject(subjectID)
	if err != nil {
		return false, err
	}
	if st.enrollment == nil {
		return false, nil
	}
	for i, h := range st.enrollment.BackupCodeHashes {
		if h == hash {
			st.enrollment.BackupCodeHashes = append(
				st.enrollment.BackupCodeHashes[:i],
				st.enrollment.BackupCodeHashes[i+1:]...,
			)
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetSupportSession(_ context.Context) (credguard.SupportSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, nil
}

func (s *Store) PutSupportSession(_ context.Context, session credguard.SupportSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	return nil
}

func (s *Store) MarkTokenUsed(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usedJTIs[jti]; ok {
		return false, nil
	}
	s.usedJTIs[jti] = struct{}{}
	return true, nil
}

func (s *Store) PutResetToken(_ context.Context, rec credguard.ResetTokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.subject(rec.SubjectID)
	if err != nil {
		return err
	}
	// One live token per subject; a new request supersedes the old token.
	st.resetToken = &rec
	return nil
}

func (s *Store) ConsumeResetToken(_ context.Context, subjectID string, hash [32]byte, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.subject(subjectID)
	if err != nil {
		return false, err
	}
	tok := st.resetToken
	if tok == nil || tok.TokenHash != hash || tok.ExpiresAt.Before(now) {
		return false, nil
	}
	st.resetToken = nil
	return true, nil
}

func (s *Store) GetSystemFlag(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags[key], nil
}

func (s *Store) SetSystemFlag(_ context.Context, key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[key] = value
	return nil
}

func (s *Store) AppendAudit(_ context.Context, entry credguard.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// QueryAudit returns matching entries newest first.
func (s *Store) QueryAudit(_ context.Context, query credguard.AuditQuery) ([]credguard.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []credguard.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		entry := s.audit[i]
		if query.Actor != "" && entry.Actor != query.Actor {
			continue
		}
		if query.ActionContains != "" && !strings.Contains(entry.Action, query.ActionContains) {
			continue
		}
		out = append(out, entry)
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
	}
	return out, nil
}

func copyEnrollment(e *credguard.MFAEnrollment) *credguard.MFAEnrollment {
	out := &credguard.MFAEnrollment{
		Enabled:    e.Enabled,
		EnrolledAt: e.EnrolledAt,
	}
	out.SecretBlob = append([]byte(nil), e.SecretBlob...)
	out.BackupCodeHashes = append([][32]byte(nil), e.BackupCodeHashes...)
	return out
}
