package password

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	currentTag  = "argon2$"
	migratedTag = "argon2_sha256$"
	pbkdf2Tag   = "pbkdf2$"

	pbkdf2Iterations = 100000
	pbkdf2KeyLength  = 32
)

type storedVariant int

const (
	variantUnknown storedVariant = iota
	variantArgon2
	variantMigratedSHA256
	variantPBKDF2
	variantSHA256Hex
)

type storedHash struct {
	variant storedVariant
	// phc is the inner PHC string for the argon2 variants.
	phc string
	// salt and digestHex carry the pbkdf2 "salt:hex" halves, or just
	// digestHex for the bare SHA-256 variant.
	salt      string
	digestHex string
}

// Codec encodes credentials with the current scheme and verifies every
// variant the store has historically contained.
type Codec struct {
	hasher *Argon2
}

func NewCodec(cfg Config) (*Codec, error) {
	hasher, err := NewArgon2(cfg)
	if err != nil {
		return nil, err
	}
	return &Codec{hasher: hasher}, nil
}

// Encode hashes plaintext with the current scheme. The result carries the
// "argon2$" tag and verifies with needsRehash=false.
func (c *Codec) Encode(plaintext string) (string, error) {
	phc, err := c.hasher.Hash(plaintext)
	if err != nil {
		return "", err
	}
	return currentTag + phc, nil
}

// Verify checks plaintext against a stored hash of any supported variant.
// needsRehash is true only when the match succeeded against a legacy scheme
// that should be upgraded. Malformed stored hashes verify as (false, false);
// Verify never fails.
func (c *Codec) Verify(stored, plaintext string) (ok, needsRehash bool) {
	parsed := parseStoredHash(stored)

	switch parsed.variant {
	case variantArgon2:
		matched, err := c.hasher.verifyPHC(plaintext, parsed.phc)
		if err != nil {
			return false, false
		}
		return matched, false

	case variantMigratedSHA256:
		// The inner hash was computed over the hex digest of the original
		// password, not the password itself.
		digest := sha256.Sum256([]byte(plaintext))
		matched, err := c.hasher.verifyPHC(hex.EncodeToString(digest[:]), parsed.phc)
		if err != nil {
			return false, false
		}
		return matched, false

	case variantPBKDF2:
		want, err := hex.DecodeString(parsed.digestHex)
		if err != nil {
			return false, false
		}
		computed := pbkdf2.Key(
			[]byte(plaintext),
			[]byte(parsed.salt),
			pbkdf2Iterations,
			pbkdf2KeyLength,
			sha256.New,
		)
		if subtle.ConstantTimeCompare(computed, want) != 1 {
			return false, false
		}
		return true, true

	case variantSHA256Hex:
		want, err := hex.DecodeString(parsed.digestHex)
		if err != nil {
			return false, false
		}
		computed := sha256.Sum256([]byte(plaintext))
		if subtle.ConstantTimeCompare(computed[:], want) != 1 {
			return false, false
		}
		return true, true

	default:
		return false, false
	}
}

// parseStoredHash classifies a stored hash string into its variant exactly
// once; verification dispatches on the result.
func parseStoredHash(stored string) storedHash {
	if inner, found := strings.CutPrefix(stored, migratedTag); found {
		// Tolerate a redundant current-scheme tag on the inner hash.
		inner = strings.TrimPrefix(inner, currentTag)
		return storedHash{variant: variantMigratedSHA256, phc: inner}
	}

	if inner, found := strings.CutPrefix(stored, currentTag); found {
		return storedHash{variant: variantArgon2, phc: inner}
	}
	if strings.HasPrefix(stored, "$"+algorithmID) {
		return storedHash{variant: variantArgon2, phc: stored}
	}

	payload := stored
	if inner, found := strings.CutPrefix(stored, pbkdf2Tag); found {
		payload = inner
	}
	if salt, digestHex, found := strings.Cut(payload, ":"); found {
		return storedHash{variant: variantPBKDF2, salt: salt, digestHex: digestHex}
	}

	if isHexDigest(payload) {
		return storedHash{variant: variantSHA256Hex, digestHex: payload}
	}

	return storedHash{variant: variantUnknown}
}

func isHexDigest(s string) bool {
	if len(s) != hex.EncodedLen(sha256.Size) {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
