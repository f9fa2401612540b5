package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	passwordAlgo       = "pbkdf2_sha256"
	passwordIterations = 200_000
	passwordSaltLen    = 16
	passwordKeyLen     = 32
)

// HashPassword derives a salted key from the password and encodes it as a
// self-describing string: algo$iterations$salt$key. The iteration count is
// stored so it can be raised later without invalidating existing hashes.
func HashPassword(password string) (string, error) {
	salt := make([]byte, passwordSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("identity: generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, passwordIterations, passwordKeyLen, sha256.New)
	return fmt.Sprintf("%s$%d$%s$%s", passwordAlgo, passwordIterations, hex.EncodeToString(salt), hex.EncodeToString(key)), nil
}

// VerifyPassword re-derives the key using the salt and iteration count stored
// in the hash and compares in constant time. Malformed hashes never verify.
func VerifyPassword(password, stored string) bool {
	parts := strings.SplitN(stored, "$", 4)
	if len(parts) != 4 || parts[0] != passwordAlgo {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := hex.DecodeString(parts[2])
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(parts[3])
	if err != nil {
		return false
	}
	actual := pbkdf2.Key([]byte(password), salt, iterations, len(expected), sha256.New)
	return hmac.Equal(actual, expected)
}
