// Package password implements the credential codec: Argon2id hashing for
// new credentials and verification across every stored hash variant the
// system has ever written, with needs-rehash detection so legacy records
// upgrade transparently on the next successful verification.
package password
