package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a short random hex id, used for request ids and
// notification entries.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
