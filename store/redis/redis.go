// Package redis provides a Redis-backed Store implementation. Atomicity for
// check-and-act operations comes from Redis primitives: INCR for failure
// counters, SADD/SREM return values for the used-jti set and backup codes,
// and small Lua scripts where a compare step is involved. Subject record
// updates use WATCH/MULTI optimistic transactions with retry, the same
// pattern the short-lived challenge stores use.
package redis

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/credguard/credguard"
)

const (
	keySubjects      = "cg:subjects"
	keySupportState  = "cg:support:session"
	keyUsedJTIs      = "cg:support:used_jtis"
	keyAuditLog      = "cg:audit"
	subjectKeyPrefix = "cg:subject:"
	attemptsPrefix   = "cg:lockout:attempts:"
	lockedPrefix     = "cg:lockout:until:"
	enrollPrefix     = "cg:enroll:"
	backupPrefix     = "cg:backup:"
	resetPrefix      = "cg:reset:"
	flagPrefix       = "cg:flag:"

	txRetries = 5
)

// lockUntilLua stamps a lock expiry only when it extends the current one,
// so racing failure recorders cannot shorten a lock.
// KEYS[1] = locked-until key, ARGV[1] = candidate expiry (unix seconds)
var lockUntilLua = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local new = tonumber(ARGV[1])
if new > cur then
  redis.call('SET', KEYS[1], ARGV[1])
  return new
end
return cur
`)

// consumeResetLua atomically compares and deletes a reset token.
// KEYS[1] = reset key, ARGV[1] = token hash hex, ARGV[2] = now (unix seconds)
// Returns 1 only when an unexpired token with the given hash was deleted.
var consumeResetLua = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return 0
end
local sep = string.find(v, ':', 1, true)
if not sep then
  redis.call('DEL', KEYS[1])
  return 0
end
local hash = string.sub(v, 1, sep - 1)
local exp = tonumber(string.sub(v, sep + 1)) or 0
if exp < tonumber(ARGV[2]) then
  redis.call('DEL', KEYS[1])
  return 0
end
if hash ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

type subjectDoc struct {
	SubjectID          string `json:"subject_id"`
	EncodedHash        string `json:"encoded_hash"`
	Admin              bool   `json:"admin"`
	SuperAdmin         bool   `json:"super_admin"`
	Active             bool   `json:"active"`
	MustChangePassword bool   `json:"must_change_password"`
	LastLogin          int64  `json:"last_login,omitempty"`
}

type enrollmentDoc struct {
	SecretBlob []byte `json:"secret_blob"`
	Enabled    bool   `json:"enabled"`
	EnrolledAt int64  `json:"enrolled_at,omitempty"`
}

type supportSessionDoc struct {
	Active    bool   `json:"active"`
	Actor     string `json:"actor,omitempty"`
	StartedAt int64  `json:"started_at,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	JTI       string `json:"jti,omitempty"`
	Scope     string `json:"scope,omitempty"`
}

// Store implements credguard.Store on a Redis client.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", credguard.ErrStoreUnavailable, err)
}

func subjectKey(id string) string  { return subjectKeyPrefix + id }
func attemptsKey(id string) string { return attemptsPrefix + id }
func lockedKey(id string) string   { return lockedPrefix + id }
func enrollKey(id string) string   { return enrollPrefix + id }
func backupKey(id string) string   { return backupPrefix + id }
func resetKey(id string) string    { return resetPrefix + id }
func flagKey(key string) string    { return flagPrefix + key }

func (s *Store) GetSubject(ctx context.Context, subjectID string) (credguard.SubjectRecord, error) {
	raw, err := s.client.Get(ctx, subjectKey(subjectID)).Result()
	if errors.Is(err, redis.Nil) {
		return credguard.SubjectRecord{}, credguard.ErrSubjectNotFound
	}
	if err != nil {
		return credguard.SubjectRecord{}, storeErr(err)
	}

	var doc subjectDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return credguard.SubjectRecord{}, storeErr(err)
	}

	state, err := s.GetLockout(ctx, subjectID)
	if err != nil {
		return credguard.SubjectRecord{}, err
	}

	rec := credguard.SubjectRecord{
		SubjectID:          doc.SubjectID,
		EncodedHash:        doc.EncodedHash,
		Admin:              doc.Admin,
		SuperAdmin:         doc.SuperAdmin,
		Active:             doc.Active,
		MustChangePassword: doc.MustChangePassword,
		FailedAttempts:     state.Attempts,
		LockedUntil:        state.LockedUntil,
	}
	if doc.LastLogin > 0 {
		rec.LastLogin = time.Unix(doc.LastLogin, 0)
	}
	return rec, nil
}

func (s *Store) CreateSubject(ctx context.Context, rec credguard.SubjectRecord) error {
	doc := subjectDoc{
		SubjectID:          rec.SubjectID,
		EncodedHash:        rec.EncodedHash,
		Admin:              rec.Admin,
		SuperAdmin:         rec.SuperAdmin,
		Active:             rec.Active,
		MustChangePassword: rec.MustChangePassword,
	}
	if !rec.LastLogin.IsZero() {
		doc.LastLogin = rec.LastLogin.Unix()
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return storeErr(err)
	}

	created, err := s.client.SetNX(ctx, subjectKey(rec.SubjectID), raw, 0).Result()
	if err != nil {
		return storeErr(err)
	}
	if !created {
		return credguard.ErrSubjectExists
	}
	if err := s.client.SAdd(ctx, keySubjects, rec.SubjectID).Err(); err != nil {
		return storeErr(err)
	}
	return nil
}

// updateSubject applies mutate under a WATCH/MULTI transaction, retrying on
// contention.
func (s *Store) updateSubject(ctx context.Context, subjectID string, mutate func(*subjectDoc)) error {
	key := subjectKey(subjectID)

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return credguard.ErrSubjectNotFound
		}
		if err != nil {
			return err
		}

		var doc subjectDoc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return err
		}
		mutate(&doc)

		updated, err := json.Marshal(doc)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for i := 0; i < txRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, credguard.ErrSubjectNotFound) {
			return err
		}
		return storeErr(err)
	}
	return storeErr(redis.TxFailedErr)
}

func (s *Store) UpdateCredential(ctx context.Context, subjectID, encodedHash string, clearMustChange bool) error {
	return s.updateSubject(ctx, subjectID, func(doc *subjectDoc) {
		doc.EncodedHash = encodedHash
		if clearMustChange {
			doc.MustChangePassword = false
		}
	})
}

func (s *Store) SetSubjectActive(ctx context.Context, subjectID string, active bool) error {
	return s.updateSubject(ctx, subjectID, func(doc *subjectDoc) {
		doc.Active = active
	})
}

func (s *Store) SetSubjectAdmin(ctx context.Context, subjectID string, admin bool) error {
	return s.updateSubject(ctx, subjectID, func(doc *subjectDoc) {
		doc.Admin = admin
	})
}

func (s *Store) CountActiveAdmins(ctx context.Context) (int, error) {
	ids, err := s.client.SMembers(ctx, keySubjects).Result()
	if err != nil {
		return 0, storeErr(err)
	}

	count := 0
	for _, id := range ids {
		raw, err := s.client.Get(ctx, subjectKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, storeErr(err)
		}
		var doc subjectDoc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return 0, storeErr(err)
		}
		if doc.Active && (doc.Admin || doc.SuperAdmin) {
			count++
		}
	}
	return count, nil
}

func (s *Store) TouchLastLogin(ctx context.Context, subjectID string, at time.Time) error {
	return s.updateSubject(ctx, subjectID, func(doc *subjectDoc) {
		doc.LastLogin = at.Unix()
	})
}

func (s *Store) RecordFailedAttempt(ctx context.Context, subjectID string, policy credguard.LockoutPolicy, now time.Time) (credguard.LockoutState, error) {
	if err := s.client.Get(ctx, subjectKey(subjectID)).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return credguard.LockoutState{}, credguard.ErrSubjectNotFound
		}
		return credguard.LockoutState{}, storeErr(err)
	}

	attempts, err := s.client.Incr(ctx, attemptsKey(subjectID)).Result()
	if err != nil {
		return credguard.LockoutState{}, storeErr(err)
	}

	state := credguard.LockoutState{Attempts: uint32(attempts)}
	if until := policy.LockUntil(state.Attempts, now); !until.IsZero() {
		stamped, err := lockUntilLua.Run(ctx, s.client,
			[]string{lockedKey(subjectID)}, until.Unix()).Int64()
		if err != nil {
			return credguard.LockoutState{}, storeErr(err)
		}
		state.LockedUntil = time.Unix(stamped, 0)
	}
	return state, nil
}

func (s *Store) ResetLockout(ctx context.Context, subjectID string) error {
	if err := s.client.Del(ctx, attemptsKey(subjectID), lockedKey(subjectID)).Err(); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) GetLockout(ctx context.Context, subjectID string) (credguard.LockoutState, error) {
	vals, err := s.client.MGet(ctx, attemptsKey(subjectID), lockedKey(subjectID)).Result()
	if err != nil {
		return credguard.LockoutState{}, storeErr(err)
	}

	var state credguard.LockoutState
	if raw, ok := vals[0].(string); ok {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return credguard.LockoutState{}, storeErr(err)
		}
		state.Attempts = uint32(n)
	}
	if raw, ok := vals[1].(string); ok {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return credguard.LockoutState{}, storeErr(err)
		}
		state.LockedUntil = time.Unix(sec, 0)
	}
	return state, nil
}

func (s *Store) GetEnrollment(ctx context.Context, subjectID string) (*credguard.MFAEnrollment, error) {
	raw, err := s.client.Get(ctx, enrollKey(subjectID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}

	var doc enrollmentDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, storeErr(err)
	}

	members, err := s.client.SMembers(ctx, backupKey(subjectID)).Result()
	if err != nil {
		return nil, storeErr(err)
	}

	enrollment := &credguard.MFAEnrollment{
		SecretBlob: doc.SecretBlob,
		Enabled:    doc.Enabled,
	}
	if doc.EnrolledAt > 0 {
		enrollment.EnrolledAt = time.Unix(doc.EnrolledAt, 0)
	}
	for _, member := range members {
		decoded, err := hex.DecodeString(member)
		if err != nil || len(decoded) != 32 {
			return nil, storeErr(fmt.Errorf("corrupt backup code hash %q", member))
		}
		var hash [32]byte
		copy(hash[:], decoded)
		enrollment.BackupCodeHashes = append(enrollment.BackupCodeHashes, hash)
	}
	return enrollment, nil
}

func (s *Store) PutEnrollment(ctx context.Context, subjectID string, enrollment credguard.MFAEnrollment) error {
	doc := enrollmentDoc{
		SecretBlob: enrollment.SecretBlob,
		Enabled:    enrollment.Enabled,
	}
	if !enrollment.EnrolledAt.IsZero() {
		doc.EnrolledAt = enrollment.EnrolledAt.Unix()
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return storeErr(err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, enrollKey(subjectID), raw, 0)
		pipe.Del(ctx, backupKey(subjectID))
		if members := hashMembers(enrollment.BackupCodeHashes); len(members) > 0 {
			pipe.SAdd(ctx, backupKey(subjectID), members...)
		}
		return nil
	})
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) DeleteEnrollment(ctx context.Context, subjectID string) error {
	if err := s.client.Del(ctx, enrollKey(subjectID), backupKey(subjectID)).Err(); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, subjectID string, hashes [][32]byte) error {
	exists, err := s.client.Exists(ctx, enrollKey(subjectID)).Result()
	if err != nil {
		return storeErr(err)
	}
	if exists == 0 {
		return credguard.ErrMFANotEnrolled
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, backupKey(subjectID))
		if members := hashMembers(hashes); len(members) > 0 {
			pipe.SAdd(ctx, backupKey(subjectID), members...)
		}
		return nil
	})
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) ConsumeBackupCode(ctx context.Context, subjectID string, hash [32]byte) (bool, error) {
	removed, err := s.client.SRem(ctx, backupKey(subjectID), hex.EncodeToString(hash[:])).Result()
	if err != nil {
		return false, storeErr(err)
	}
	return removed == 1, nil
}

func (s *Store) GetSupportSession(ctx context.Context) (credguard.SupportSession, error) {
	raw, err := s.client.Get(ctx, keySupportState).Result()
	if errors.Is(err, redis.Nil) {
		return credguard.SupportSession{}, nil
	}
	if err != nil {
		return credguard.SupportSession{}, storeErr(err)
	}

	var doc supportSessionDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return credguard.SupportSession{}, storeErr(err)
	}

	session := credguard.SupportSession{
		Active: doc.Active,
		Actor:  doc.Actor,
		JTI:    doc.JTI,
		Scope:  doc.Scope,
	}
	if doc.StartedAt > 0 {
		session.StartedAt = time.Unix(doc.StartedAt, 0)
	}
	if doc.ExpiresAt > 0 {
		session.ExpiresAt = time.Unix(doc.ExpiresAt, 0)
	}
	return session, nil
}

func (s *Store) PutSupportSession(ctx context.Context, session credguard.SupportSession) error {
	doc := supportSessionDoc{
		Active: session.Active,
		Actor:  session.Actor,
		JTI:    session.JTI,
		Scope:  session.Scope,
	}
	if !session.StartedAt.IsZero() {
		doc.StartedAt = session.StartedAt.Unix()
	}
	if !session.ExpiresAt.IsZero() {
		doc.ExpiresAt = session.ExpiresAt.Unix()
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return storeErr(err)
	}
	if err := s.client.Set(ctx, keySupportState, raw, 0).Err(); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) MarkTokenUsed(ctx context.Context, jti string) (bool, error) {
	added, err := s.client.SAdd(ctx, keyUsedJTIs, jti).Result()
	if err != nil {
		return false, storeErr(err)
	}
	return added == 1, nil
}

func (s *Store) PutResetToken(ctx context.Context, rec credguard.ResetTokenRecord) error {
	if err := s.client.Get(ctx, subjectKey(rec.SubjectID)).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return credguard.ErrSubjectNotFound
		}
		return storeErr(err)
	}

	value := hex.EncodeToString(rec.TokenHash[:]) + ":" + strconv.FormatInt(rec.ExpiresAt.Unix(), 10)
	if err := s.client.Set(ctx, resetKey(rec.SubjectID), value, 0).Err(); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) ConsumeResetToken(ctx context.Context, subjectID string, hash [32]byte, now time.Time) (bool, error) {
	res, err := consumeResetLua.Run(ctx, s.client,
		[]string{resetKey(subjectID)},
		hex.EncodeToString(hash[:]), now.Unix()).Int64()
	if err != nil {
		return false, storeErr(err)
	}
	return res == 1, nil
}

func (s *Store) GetSystemFlag(ctx context.Context, key string) (bool, error) {
	raw, err := s.client.Get(ctx, flagKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, storeErr(err)
	}
	return raw == "1", nil
}

func (s *Store) SetSystemFlag(ctx context.Context, key string, value bool) error {
	raw := "0"
	if value {
		raw = "1"
	}
	if err := s.client.Set(ctx, flagKey(key), raw, 0).Err(); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, entry credguard.AuditEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: %v", credguard.ErrAuditUnavailable, err)
	}
	if err := s.client.LPush(ctx, keyAuditLog, raw).Err(); err != nil {
		return fmt.Errorf("%w: %v", credguard.ErrAuditUnavailable, err)
	}
	return nil
}

// QueryAudit returns matching entries newest first. LPUSH keeps index zero
// as the most recent entry.
func (s *Store) QueryAudit(ctx context.Context, query credguard.AuditQuery) ([]credguard.AuditEntry, error) {
	raws, err := s.client.LRange(ctx, keyAuditLog, 0, -1).Result()
	if err != nil {
		return nil, storeErr(err)
	}

	var out []credguard.AuditEntry
	for _, raw := range raws {
		var entry credguard.AuditEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, storeErr(err)
		}
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

func hashMembers(hashes [][32]byte) []interface{} {
	members := make([]interface{}, 0, len(hashes))
	for _, h := range hashes {
		members = append(members, hex.EncodeToString(h[:]))
	}
	return members
}
