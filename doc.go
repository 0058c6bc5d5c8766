// Package credguard implements the credential and session security core of a
// single-process application: password hashing and verification across
// historical encoding schemes, brute-force lockout with capped exponential
// backoff, TOTP second-factor enrollment with single-use backup codes, and a
// vendor-signed break-glass support session gated by signature verification
// and a live MFA challenge.
//
// The package is transport-agnostic. Callers construct an [Engine] through
// [New] and a [Builder], supply a [Store] implementation for durable state
// (see store/memory and store/redis for adapters), and expose the engine's
// operations over whatever surface they choose. Every security-relevant
// outcome is appended to the audit log before control returns to the caller.
package credguard
