package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"
)

// ErrInvalidToken covers every bootstrap token failure mode. Unknown,
// expired, and already-consumed tokens are indistinguishable to callers.
var ErrInvalidToken = errors.New("invalid or expired bootstrap token")

// tokenBytes is the number of random bytes in a bootstrap token. The
// base64url plaintext of 32 bytes is 43 characters.
const tokenBytes = 32

// BootstrapToken is the stored record of an issued enrollment token. Only
// the digest of the plaintext is kept; the plaintext is shown to the
// operator exactly once at issue time.
type BootstrapToken struct {
	TokenHash string    `json:"token_hash"` // SHA-256 of the plaintext, hex
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
}

// IsValid reports whether the token can still be consumed at the given
// instant. Consumption is monotonic: once consumed, never valid again.
func (t *BootstrapToken) IsValid(now time.Time) bool {
	return !t.Consumed && now.Before(t.ExpiresAt)
}

// generateToken returns a cryptographically random token plaintext,
// base64url-encoded without padding.
func generateToken() (string, error) {
	bytes := make([]byte, tokenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// hashToken returns the hex SHA-256 digest under which a token is stored.
func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
