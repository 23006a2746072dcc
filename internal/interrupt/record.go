package interrupt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Domain prefix for interruption-instance signatures. The version
// suffix enables future algorithm migration.
const signatureDomain = "fieldtest/interruption/v1"

// Signature derives the handled-instance key for one interruption
// instance: rule identity, matched label, and the instance epoch (how
// many times this (rule, label) pair has newly appeared this run).
//
// Format: SHA256(domain + 0x00 + fields). The null separators prevent
// field boundary ambiguity.
//
// The epoch is what separates "the same dialog, still on screen" from
// "a new dialog with the same label appearing later": the former keeps
// its epoch, the latter gets a fresh one. Two genuinely distinct
// interruptions visible in the same window with identical labels still
// collapse to one signature; that under-detection is accepted.
func Signature(ruleID, label string, epoch int) string {
	h := sha256.New()
	h.Write([]byte(signatureDomain))
	h.Write([]byte{0x00})
	h.Write([]byte(ruleID))
	h.Write([]byte{0x00})
	h.Write([]byte(label))
	h.Write([]byte{0x00})
	fmt.Fprintf(h, "%d", epoch)
	return hex.EncodeToString(h.Sum(nil))
}

// Record is one handled interruption. Append-only per run; cleared
// when the automaton starts.
type Record struct {
	RuleID    string
	Signature string
	Label     string
	Strategy  string
	HandledAt time.Time
}

// instanceState tracks presence of one (rule, label) pair across
// ticks. The epoch increments on each absent-to-present transition.
type instanceState struct {
	present bool
	epoch   int
}
