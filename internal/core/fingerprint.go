package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// fingerprintStrings returns a stable, order-independent digest over a set
// of strings. Used wherever a set of open issues or a text signature needs
// to be compared for equality across rounds without storing the raw text.
func fingerprintStrings(items []string) string {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// FingerprintText returns a stable digest of a single text blob, used for
// the Round Executor's implementation-summary and review-signature
// loop-progress fingerprints (4.H).
func FingerprintText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
