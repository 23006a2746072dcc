package orch

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefix for content-addressed test identity. The version
// suffix enables future algorithm migration.
const hashDomain = "fieldtest/testsource/v1"

// HashContent computes the content hash of a test's source bytes.
// Format: SHA256(domain + 0x00 + data); the null separator prevents
// domain/data boundary ambiguity.
//
// Any edit to the source produces a new hash, which is what makes
// cached results safe to reuse: a stale result simply has no matching
// key anymore.
func HashContent(data []byte) string {
	h := sha256.New()
	h.Write([]byte(hashDomain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
