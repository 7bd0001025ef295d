package wsfront

import (
	"crypto/rand"
	"encoding/hex"
)

// newConnID generates a random per-connection identifier for session and
// hub bookkeeping. Collisions are astronomically unlikely (128 bits) and
// are not otherwise guarded against, matching the Hub's "replace on
// attach" semantics.
func newConnID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("wsfront: failed to read random connection id: " + err.Error())
	}
	return hex.EncodeToString(b)
}
