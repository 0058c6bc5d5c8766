package credguard

import (
	"context"
	"time"
)

// SubjectRecord is the durable credential record for one subject. EncodedHash
// is an opaque tagged string owned by the password codec; the lockout
// counters are owned by the lockout policy adapter. Records are updated in
// place and never deleted.
type SubjectRecord struct {
	SubjectID          string
	EncodedHash        string
	Admin              bool
	SuperAdmin         bool
	Active             bool
	MustChangePassword bool
	FailedAttempts     uint32
	LockedUntil        time.Time // zero when no lock is set
	LastLogin          time.Time
}

// Privileged reports whether the subject may perform administrative
// operations, including starting a break-glass session.
func (r SubjectRecord) Privileged() bool {
	return r.Admin || r.SuperAdmin
}

// LockoutState is the counter pair maintained per subject.
type LockoutState struct {
	Attempts    uint32
	LockedUntil time.Time
}

// LockoutStatus is returned by [Engine.CheckLockout].
type LockoutStatus struct {
	Allowed    bool
	RetryAfter time.Duration
}

// MFAEnrollment is the second-factor state for one subject. SecretBlob is the
// TOTP secret protected at rest by the configured [secrets.Protector]; it is
// replaced wholesale on re-enrollment and deleted on disable. A hash present
// in BackupCodeHashes has never been successfully consumed.
type MFAEnrollment struct {
	SecretBlob       []byte
	Enabled          bool
	EnrolledAt       time.Time
	BackupCodeHashes [][32]byte
}

// SupportSession is the process-wide break-glass session singleton.
type SupportSession struct {
	Active    bool
	Actor     string
	StartedAt time.Time
	ExpiresAt time.Time
	JTI       string
	Scope     string
}

// AuditEntry is one immutable audit record. Success is nil for events that
// have no pass/fail outcome (e.g. state snapshots).
type AuditEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Success   *bool             `json:"success,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// AuditQuery filters [Engine.QueryAuditLog]. Zero values match everything;
// Limit <= 0 applies the configured default.
type AuditQuery struct {
	Actor          string
	ActionContains string
	Limit          int
}

// ResetTokenRecord is a single-use password reset token, stored hashed.
type ResetTokenRecord struct {
	SubjectID string
	TokenHash [32]byte
	ExpiresAt time.Time
}

// AuthResult is returned by [Engine.Authenticate] on success. When
// MFARequired is true the caller must complete a second factor via
// [Engine.VerifyMFA] or [Engine.ConsumeBackupCode] before treating the
// subject as authenticated.
type AuthResult struct {
	SubjectID          string
	Admin              bool
	SuperAdmin         bool
	MFARequired        bool
	MustChangePassword bool
}

// MFAProvision holds the base32 secret and otpauth:// URI returned by
// [Engine.ProvisionMFA]. Nothing is persisted until [Engine.EnableMFA]
// confirms the first code.
type MFAProvision struct {
	SecretBase32 string
	URI          string
}

// CreateSubjectInput is the input for [Engine.CreateSubject].
type CreateSubjectInput struct {
	SubjectID    string
	TempPassword string
	Admin        bool
}

// Store is the persistence boundary consumed by the engine: a transactional
// key/record service for subjects, MFA enrollments, the support session
// singleton, the used-token set, reset tokens, and the append-only audit
// sink. Implementations must serialize mutations per subject (lost updates on
// the failed-attempt counter are not acceptable) and must make
// ConsumeBackupCode and MarkTokenUsed atomic check-and-act operations.
// Adapters live in store/memory and store/redis.
type Store interface {
	GetSubject(ctx context.Context, subjectID string) (SubjectRecord, error)
	CreateSubject(ctx context.Context, rec SubjectRecord) error
	UpdateCredential(ctx context.Context, subjectID, encodedHash string, clearMustChange bool) error
	SetSubjectActive(ctx context.Context, subjectID string, active bool) error
	SetSubjectAdmin(ctx context.Context, subjectID string, admin bool) error
	CountActiveAdmins(ctx context.Context) (int, error)
	TouchLastLogin(ctx context.Context, subjectID string, at time.Time) error

	// RecordFailedAttempt atomically increments the failure counter and, when
	// the policy threshold is reached, stamps the computed lock expiry.
	RecordFailedAttempt(ctx context.Context, subjectID string, policy LockoutPolicy, now time.Time) (LockoutState, error)
	ResetLockout(ctx context.Context, subjectID string) error
	GetLockout(ctx context.Context, subjectID string) (LockoutState, error)

	GetEnrollment(ctx context.Context, subjectID string) (*MFAEnrollment, error)
	PutEnrollment(ctx context.Context, subjectID string, enrollment MFAEnrollment) error
	DeleteEnrollment(ctx context.Context, subjectID string) error
	ReplaceBackupCodes(ctx context.Context, subjectID string, hashes [][32]byte) error
	// ConsumeBackupCode removes the hash if present, returning whether it was
	// present. The check and removal are a single atomic step.
	ConsumeBackupCode(ctx context.Context, subjectID string, hash [32]byte) (bool, error)

	GetSupportSession(ctx context.Context) (SupportSession, error)
	PutSupportSession(ctx context.Context, session SupportSession) error
	// MarkTokenUsed inserts jti into the append-only used-token set. It
	// returns false when the jti was already present. Entries are never
	// removed.
	MarkTokenUsed(ctx context.Context, jti string) (bool, error)

	PutResetToken(ctx context.Context, rec ResetTokenRecord) error
	// ConsumeResetToken deletes and returns whether an unexpired token with
	// this hash existed for the subject.
	ConsumeResetToken(ctx context.Context, subjectID string, hash [32]byte, now time.Time) (bool, error)

	GetSystemFlag(ctx context.Context, key string) (bool, error)
	SetSystemFlag(ctx context.Context, key string, value bool) error

	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, query AuditQuery) ([]AuditEntry, error)
}
