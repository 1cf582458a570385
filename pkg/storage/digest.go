package storage

import (
	"crypto/sha256"
	"encoding/hex"
)

// SumHex returns the lowercase hex sha256 digest of payload. The same
// function feeds both the metadata record and the deduplication
// index, so the two can never disagree on a blob's digest.
func SumHex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
