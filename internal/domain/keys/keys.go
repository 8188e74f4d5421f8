package keys

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// Derive returns a deterministic entity id from a seed and its parts, so a
// retried operation addresses the same record.
func Derive(seed string, parts ...string) string {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(seed))
	for _, p := range parts {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
