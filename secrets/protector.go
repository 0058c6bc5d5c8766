// Package secrets protects TOTP seed material at rest. The engine never
// persists a raw seed: it passes the seed through a Protector on enrollment
// and unwraps it again on every verification.
package secrets

// Scope binds a protected blob to the subject and purpose it was sealed
// for, so a blob copied between records fails to unseal.
type Scope struct {
	SubjectID string
	Purpose   string
}

// Protector seals and unseals secret material.
type Protector interface {
	Seal(plaintext []byte, scope Scope) ([]byte, error)
	Unseal(blob []byte, scope Scope) ([]byte, error)
}

// KeyProvider supplies raw AES-256 keys (32 bytes) for a scope. Providers
// may return per-subject or per-environment keys.
type KeyProvider interface {
	Key(scope Scope) ([]byte, error)
}

// Passthrough stores secrets unprotected. It exists for tests and for
// deployments where the store itself is encrypted; production setups should
// use [AESGCM] with a real key provider.
type Passthrough struct{}

func (Passthrough) Seal(plaintext []byte, _ Scope) ([]byte, error) {
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	return out, nil
}

func (Passthrough) Unseal(blob []byte, _ Scope) ([]byte, error) {
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}
