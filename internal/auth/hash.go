package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// hashSecret is the at-rest form for opaque secrets (api keys, backup codes,
// password reset tokens). Unlike passwords these are high-entropy random
// values, so a fast hash is sufficient.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(expectedHash, secret string) bool {
	return subtleCompare(expectedHash, hashSecret(secret))
}

func subtleCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
