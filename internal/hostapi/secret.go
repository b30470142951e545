package hostapi

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const secretBytes = 32
const saltBytes = 16

// GenerateSecret returns a fresh runner secret. Shown to the operator
// exactly once; only the hash is stored.
func GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return "automn_rs_" + hex.EncodeToString(buf), nil
}

// HashSecret derives the stored form of a secret: hex(salt) + "$" +
// hex(sha256(salt || secret)).
func HashSecret(secret string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(salt) + "$" + digest(salt, secret), nil
}

// VerifySecret checks a presented secret against a stored hash in constant
// time with respect to the secret material.
func VerifySecret(stored, secret string) bool {
	saltHex, want, ok := strings.Cut(stored, "$")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	got := digest(salt, secret)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func digest(salt []byte, secret string) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}
