package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters used for newly hashed operator passwords.
const (
	argonTime    = 3         // iterations
	argonMemory  = 64 * 1024 // 64 MiB
	argonThreads = 1         // parallelism
	argonKeyLen  = 32        // output hash length
	argonSaltLen = 16        // salt length
)

// Bounds accepted for hashes read from configuration. A login verifies
// against the configured parameters, so an absurd cost in a config file
// would turn every login into a denial of service.
const (
	maxArgonTime    = 10
	maxArgonMemory  = 1024 * 1024 // 1 GiB
	minArgonSaltLen = 8
	minArgonKeyLen  = 16
)

// HashPassword hashes a plaintext operator password with Argon2id and
// returns the PHC string that belongs in security.operators[].password_hash:
//
//	$argon2id$v=19$m=65536,t=3,p=1$<salt>$<hash>
//
// The placesd hash-password subcommand prints its result.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	h := passwordHash{
		time:    argonTime,
		memory:  argonMemory,
		threads: argonThreads,
		salt:    salt,
	}
	h.key = h.derive(password, argonKeyLen)
	return h.String(), nil
}

// VerifyPassword reports whether password matches the PHC string
// encodedHash. A hash that cannot be used fails with ErrInvalidOperator.
func VerifyPassword(password, encodedHash string) (bool, error) {
	h, err := parsePasswordHash(encodedHash)
	if err != nil {
		return false, err
	}
	return h.matches(password), nil
}

// passwordHash is a decoded Argon2id PHC string.
type passwordHash struct {
	time    uint32
	memory  uint32
	threads uint8
	salt    []byte
	key     []byte
}

func (h passwordHash) derive(password string, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), h.salt, h.time, h.memory, h.threads, keyLen)
}

// matches compares in constant time.
func (h passwordHash) matches(password string) bool {
	candidate := h.derive(password, uint32(len(h.key))) //nolint:gosec // G115: key length is bounded by parsing
	return subtle.ConstantTimeCompare(h.key, candidate) == 1
}

// String encodes h in PHC format.
func (h passwordHash) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.memory, h.time, h.threads,
		base64.RawStdEncoding.EncodeToString(h.salt),
		base64.RawStdEncoding.EncodeToString(h.key),
	)
}

// parsePasswordHash decodes an operator's configured hash. Every failure
// wraps ErrInvalidOperator so configuration errors surface as one kind.
func parsePasswordHash(encoded string) (passwordHash, error) {
	var h passwordHash

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" { //nolint:mnd // PHC format has exactly 6 $-delimited parts
		return h, fmt.Errorf("%w: password hash is not a PHC string", ErrInvalidOperator)
	}
	if parts[1] != "argon2id" {
		return h, fmt.Errorf("%w: unsupported password hash algorithm %q", ErrInvalidOperator, parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return h, fmt.Errorf("%w: unsupported argon2 version %q", ErrInvalidOperator, parts[2])
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.memory, &h.time, &h.threads); err != nil {
		return h, fmt.Errorf("%w: malformed argon2 parameters %q", ErrInvalidOperator, parts[3])
	}
	if h.time == 0 || h.time > maxArgonTime || h.threads == 0 ||
		h.memory < 8*uint32(h.threads) || h.memory > maxArgonMemory {
		return h, fmt.Errorf("%w: argon2 parameters %q out of range", ErrInvalidOperator, parts[3])
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(h.salt) < minArgonSaltLen {
		return h, fmt.Errorf("%w: bad password hash salt", ErrInvalidOperator)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(h.key) < minArgonKeyLen {
		return h, fmt.Errorf("%w: bad password hash key", ErrInvalidOperator)
	}
	return h, nil
}
