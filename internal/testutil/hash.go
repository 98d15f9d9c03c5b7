package testutil

import (
	"crypto/sha256"
)

// SHA256 returns the SHA-256 digest of data, the algorithm used for Medium priority files.
func SHA256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}
