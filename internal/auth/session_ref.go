package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// SessionRef returns the identifier under which a session appears in the
// ledger and in shared caches: the first 16 bytes of the token's SHA-256,
// hex encoded. The raw token is a bearer credential and is never stored
// outside user_sessions. An empty token yields "".
func SessionRef(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}
