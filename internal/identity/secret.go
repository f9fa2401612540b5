package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TokenHasher produces deterministic keyed hashes of raw session tokens. A
// keyed hash (rather than a salted one) keeps stored tokens unforgeable if
// the database leaks while still allowing O(1) lookup by hash.
type TokenHasher struct {
	secret []byte
}

// NewTokenHasher builds a hasher from the configured secret, or from a
// lazily-created secret file under the platform directory. Rotating the
// secret invalidates every existing session.
func NewTokenHasher(configured, secretPath string) (*TokenHasher, error) {
	if configured != "" {
		return &TokenHasher{secret: []byte(configured)}, nil
	}

	if data, err := os.ReadFile(secretPath); err == nil {
		if stored := strings.TrimSpace(string(data)); stored != "" {
			return &TokenHasher{secret: []byte(stored)}, nil
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read secret file: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("identity: generate secret: %w", err)
	}
	secret := hex.EncodeToString(raw)
	if err := os.MkdirAll(filepath.Dir(secretPath), 0o700); err != nil {
		return nil, fmt.Errorf("identity: create platform dir: %w", err)
	}
	if err := os.WriteFile(secretPath, []byte(secret), 0o600); err != nil {
		return nil, fmt.Errorf("identity: write secret file: %w", err)
	}
	return &TokenHasher{secret: []byte(secret)}, nil
}

// HashToken returns the hex HMAC-SHA256 of the raw token.
func (h *TokenHasher) HashToken(raw string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}
