package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

// NewSalt returns a fresh per-room password salt (32 hex chars).
func NewSalt() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// HashRoomPassword derives the stored room password hash:
// PBKDF2-HMAC-SHA256 over the password with the per-room salt.
func HashRoomPassword(password, salt string) string {
	key := pbkdf2.Key([]byte(password), []byte(salt), PBKDF2Iterations, sha256.Size, sha256.New)
	return hex.EncodeToString(key)
}

// VerifyRoomPassword re-derives the hash for a supplied password and compares
// it to the stored hash in constant time.
func VerifyRoomPassword(password, salt, storedHash string) bool {
	derived := HashRoomPassword(password, salt)
	return hmac.Equal([]byte(derived), []byte(storedHash))
}

// NewChallenge returns a fresh handshake challenge (32 random bytes, hex).
func NewChallenge() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// HMACSign is the handshake proof: HMAC-SHA256 of the server challenge keyed
// by the shared token, hex encoded.
func HMACSign(token, challenge string) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// EqualHex compares two hex digests in constant time.
func EqualHex(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
