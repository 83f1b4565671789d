package ir

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// DomainStatement prefixes the jumbled text of DML statements.
// The version suffix leaves room for a future jumbling change.
const DomainStatement = "qidtrack/statement/v1"

// HashText is the utility-command hasher: xxHash64 with a zero seed.
// Identical input always yields identical output.
func HashText(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// FallbackQueryID converts a raw utility hash into an identifier, replacing
// zero (which means "nothing recorded") with UtilityFallbackQueryID.
// ReservedStatementQueryID is never substituted, so the two cannot collide.
func FallbackQueryID(sum uint64) QueryID {
	if sum == 0 {
		return UtilityFallbackQueryID
	}
	return QueryID(sum)
}

// UtilityQueryID computes the synthetic identifier of a utility statement:
// the trimmed span of text at (location, length), hashed with HashText.
func UtilityQueryID(text string, location, length int) QueryID {
	start, end := TrimStatement(text, location, length)
	return FallbackQueryID(HashText([]byte(text[start:end])))
}

// StatementQueryID computes the native identifier of a DML statement from its
// jumbled (normalized) text.
// Format: first 8 bytes, big endian, of SHA256(domain + 0x00 + jumble).
// A zero result is replaced with ReservedStatementQueryID.
func StatementQueryID(jumble string) QueryID {
	h := sha256.New()
	h.Write([]byte(DomainStatement))
	h.Write([]byte{0x00})
	h.Write([]byte(jumble))
	sum := binary.BigEndian.Uint64(h.Sum(nil)[:8])
	if sum == 0 {
		return ReservedStatementQueryID
	}
	return QueryID(sum)
}
