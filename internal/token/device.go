package token

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// HashDevice returns the BLAKE2b-256 hex digest of a raw device
// fingerprint.  Values that already look like a digest are normalised to
// lower case and returned as is, so clients may hash on-device.
func HashDevice(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if len(raw) == 2*blake2b.Size256 {
		if _, err := hex.DecodeString(raw); err == nil {
			return strings.ToLower(raw)
		}
	}
	sum := blake2b.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
