package anonymize

import (
	"crypto/sha1"
	"encoding/hex"
)

// DigestLength is the number of hex characters kept from the SHA-1 sum.
// Digests are anonymization tokens, not identifiers: collisions are expected at scale.
const DigestLength = 8

// Digest returns the truncated, lowercase hex SHA-1 digest of value
func Digest(value string) string {
	sum := sha1.Sum([]byte(value))
	return hex.EncodeToString(sum[:])[:DigestLength]
}
