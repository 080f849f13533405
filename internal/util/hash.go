package util

import "crypto/sha256"

// SHA256 returns the SHA-256 digest of msg.
func SHA256(msg []byte) []byte {
	sum := sha256.Sum256(msg)
	return sum[:]
}
