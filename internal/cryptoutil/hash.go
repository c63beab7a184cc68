// Package cryptoutil derives stable, non-reversible fingerprints of
// bearer secrets so they can key caches without being stored.
package cryptoutil

import (
	"crypto/sha256"
	"encoding/hex"
)

func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// TokenDigest fingerprints a share token. Use it wherever a token would
// otherwise be persisted verbatim, such as cache keys.
func TokenDigest(token string) string {
	return SHA256Hex([]byte("docview/share-token\x00" + token))
}
