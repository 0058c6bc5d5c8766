package memory

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/credguard/credguard"
)

func newStoreWithSubject(t *testing.T, subjectID string) *Store {
	t.Helper()
	s := New()
	err := s.CreateSubject(context.Background(), credguard.SubjectRecord{
		SubjectID: subjectID,
		Active:    true,
	})
	if err != nil {
		t.Fatalf("CreateSubject: %v", err)
	}
	return s
}

func TestCreateSubjectDuplicate(t *testing.T) {
	s := newStoreWithSubject(t, "alice")

	err := s.CreateSubject(context.Background(), credguard.SubjectRecord{SubjectID: "alice"})
	if !errors.Is(err, credguard.ErrSubjectExists) {
		t.Fatalf("got %v, want ErrSubjectExists", err)
	}
}

func TestGetSubjectUnknown(t *testing.T) {
	s := New()

	_, err := s.GetSubject(context.Background(), "ghost")
	if !errors.Is(err, credguard.ErrSubjectNotFound) {
		t.Fatalf("got %v, want ErrSubjectNotFound", err)
	}
}

func TestRecordFailedAttemptConcurrent(t *testing.T) {
	s := newStoreWithSubject(t, "alice")
	ctx := context.Background()
	policy := credguard.LockoutPolicy{
		Threshold:        5,
		BaseLockDuration: 15 * time.Minute,
		MaxBackoffSteps:  3,
	}

	const attempts = 50
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RecordFailedAttempt(ctx, "alice", policy, time.Now()); err != nil {
				t.Errorf("RecordFailedAttempt: %v", err)
			}
		}()
	}
	wg.Wait()

	state, err := s.GetLockout(ctx, "alice")
	if err != nil {
		t.Fatalf("GetLockout: %v", err)
	}
	if state.Attempts != attempts {
		t.Fatalf("attempts = %d, want %d (lost updates)", state.Attempts, attempts)
	}
	if state.LockedUntil.IsZero() {
		t.Fatal("expected a lock after exceeding the threshold")
	}
}

func TestResetLockoutClearsState(t *testing.T) {
	s := newStoreWithSubject(t, "alice")
	ctx := context.Background()
	policy := credguard.LockoutPolicy{Threshold: 1, BaseLockDuration: time.Minute, MaxBackoffSteps: 3}

	if _, err := s.RecordFailedAttempt(ctx, "alice", policy, time.Now()); err != nil {
		t.Fatalf("RecordFailedAttempt: %v", err)
	}
	if err := s.ResetLockout(ctx, "alice"); err != nil {
		t.Fatalf("ResetLockout: %v", err)
	}

	state, err := s.GetLockout(ctx, "alice")
	if err != nil {
		t.Fatalf("GetLockout: %v", err)
	}
	if state.Attempts != 0 || !state.LockedUntil.IsZero() {
		t.Fatalf("lockout not cleared: %+v", state)
	}
}

func TestConsumeBackupCodeSingleWinner(t *testing.T) {
	s := newStoreWithSubject(t, "alice")
	ctx := context.Background()

	hash := sha256.Sum256([]byte("CODE1234"))
	err := s.PutEnrollment(ctx, "alice", credguard.MFAEnrollment{
		SecretBlob:       []byte("blob"),
		Enabled:          true,
		BackupCodeHashes: [][32]byte{hash},
	})
	if err != nil {
		t.Fatalf("PutEnrollment: %v", err)
	}

	const racers = 20
	var (
		wg   sync.WaitGroup
		wins int
		mu   sync.Mutex
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ConsumeBackupCode(ctx, "alice", hash)
			if err != nil {
				t.Errorf("ConsumeBackupCode: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("backup code consumed %d times, want exactly once", wins)
	}
}

func TestMarkTokenUsedSingleUse(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.MarkTokenUsed(ctx, "jti-1")
	if err != nil {
		t.Fatalf("MarkTokenUsed: %v", err)
	}
	if !first {
		t.Fatal("first claim must succeed")
	}

	again, err := s.MarkTokenUsed(ctx, "jti-1")
	if err != nil {
		t.Fatalf("MarkTokenUsed: %v", err)
	}
	if again {
		t.Fatal("jti must stay used forever")
	}
}

func TestEnrollmentIsolation(t *testing.T) {
	s := newStoreWithSubject(t, "alice")
	ctx := context.Background()

	hash := sha256.Sum256([]byte("CODE1234"))
	enrollment := credguard.MFAEnrollment{
		SecretBlob:       []byte("blob"),
		BackupCodeHashes: [][32]byte{hash},
	}
	if err := s.PutEnrollment(ctx, "alice", enrollment); err != nil {
		t.Fatalf("PutEnrollment: %v", err)
	}

	// Mutating what the caller holds must not reach the store.
	enrollment.SecretBlob[0] = 'X'

	got, err := s.GetEnrollment(ctx, "alice")
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if string(got.SecretBlob) != "blob" {
		t.Fatalf("stored blob aliased caller memory: %q", got.SecretBlob)
	}

	// And mutating what the store returned must not reach the store either.
	got.SecretBlob[0] = 'Y'
	again, err := s.GetEnrollment(ctx, "alice")
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if string(again.SecretBlob) != "blob" {
		t.Fatalf("returned blob aliased store memory: %q", again.SecretBlob)
	}
}

func TestConsumeResetToken(t *testing.T) {
	s := newStoreWithSubject(t, "alice")
	ctx := context.Background()
	now := time.Now()

	hash := sha256.Sum256([]byte("123456"))
	err := s.PutResetToken(ctx, credguard.ResetTokenRecord{
		SubjectID: "alice",
		TokenHash: hash,
		ExpiresAt: now.Add(15 * time.Minute),
	})
	if err != nil {
		t.Fatalf("PutResetToken: %v", err)
	}

	ok, err := s.ConsumeResetToken(ctx, "alice", hash, now)
	if err != nil {
		t.Fatalf("ConsumeResetToken: %v", err)
	}
	if !ok {
		t.Fatal("expected token to consume")
	}

	ok, err = s.ConsumeResetToken(ctx, "alice", hash, now)
	if err != nil {
		t.Fatalf("ConsumeResetToken: %v", err)
	}
	if ok {
		t.Fatal("token must be single-use")
	}
}

func TestConsumeResetTokenExpired(t *testing.T) {
	s := newStoreWithSubject(t, "alice")
	ctx := context.Background()
	now := time.Now()

	hash := sha256.Sum256([]byte("123456"))
	err := s.PutResetToken(ctx, credguard.ResetTokenRecord{
		SubjectID: "alice",
		TokenHash: hash,
		ExpiresAt: now.Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("PutResetToken: %v", err)
	}

	ok, err := s.ConsumeResetToken(ctx, "alice", hash, now)
	if err != nil {
		t.Fatalf("ConsumeResetToken: %v", err)
	}
	if ok {
		t.Fatal("expired token must not consume")
	}
}

func TestCountActiveAdmins(t *testing.T) {
	s := New()
	ctx := context.Background()

	records := []credguard.SubjectRecord{
		{SubjectID: "admin-1", Active: true, Admin: true},
		{SubjectID: "admin-2", Active: false, Admin: true},
		{SubjectID: "super", Active: true, SuperAdmin: true},
		{SubjectID: "user", Active: true},
	}
	for _, rec := range records {
		if err := s.CreateSubject(ctx, rec); err != nil {
			t.Fatalf("CreateSubject: %v", err)
		}
	}

	count, err := s.CountActiveAdmins(ctx)
	if err != nil {
		t.Fatalf("CountActiveAdmins: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestQueryAuditFiltersAndOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	entries := []credguard.AuditEntry{
		{ID: "1", Actor: "alice", Action: "login"},
		{ID: "2", Actor: "bob", Action: "login"},
		{ID: "3", Actor: "alice", Action: "support_session_start"},
		{ID: "4", Actor: "alice", Action: "login"},
	}
	for _, e := range entries {
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	got, err := s.QueryAudit(ctx, credguard.AuditQuery{Actor: "alice", ActionContains: "login"})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(got) != 2 || got[0].ID != "4" || got[1].ID != "1" {
		t.Fatalf("unexpected result %+v", got)
	}

	got, err = s.QueryAudit(ctx, credguard.AuditQuery{Limit: 1})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(got) != 1 || got[0].ID != "4" {
		t.Fatalf("limit not applied from the newest end: %+v", got)
	}
}
