package pad

import (
	"crypto/sha1"
	"encoding/hex"
)

// Fingerprint returns the hex SHA-1 digest of text. It is only compared
// within one running process, never persisted.
func Fingerprint(text string) string {
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Detect fingerprints text and reports whether it differs from previous.
// An empty previous fingerprint means nothing was observed yet, which never
// counts as a change.
func Detect(previous, text string) (changed bool, fingerprint string) {
	fingerprint = Fingerprint(text)
	return previous != "" && previous != fingerprint, fingerprint
}
