// Package abuse classifies anonymous requests before any quota arithmetic.
// It never reads or writes the rate ledger.
package abuse

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Origin is the network identity of a request. IP is the client address as
// resolved by the router's trusted proxy list.
type Origin struct {
	IP        string
	UserAgent string
}

// Fingerprint derives the anonymous device id from the client IP. It is a
// deterrent, not an identity: the salt keeps raw addresses out of the ledger.
func Fingerprint(o Origin, salt string) string {
	sum := sha256.Sum256([]byte(salt + "|" + strings.TrimSpace(o.IP)))
	return hex.EncodeToString(sum[:16])
}
