package testutil

import "fmt"

// DefaultSessionPrefix prefixes ids from a SessionSequence with no prefix.
const DefaultSessionPrefix = "session"

// SessionSequence hands out predictable session ids: prefix-0001,
// prefix-0002, and so on. It never runs out, unlike engine.FixedGenerator.
//
// Implements engine.SessionGenerator.
//
// Thread-safety: safe for concurrent use; ids are unique but their order
// across goroutines follows call order.
type SessionSequence struct {
	prefix string
	clock  *DeterministicClock
}

// NewSessionSequence creates a sequence. An empty prefix uses
// DefaultSessionPrefix.
func NewSessionSequence(prefix string) *SessionSequence {
	if prefix == "" {
		prefix = DefaultSessionPrefix
	}
	return &SessionSequence{prefix: prefix, clock: NewDeterministicClock()}
}

// Generate returns the next id.
func (s *SessionSequence) Generate() string {
	return fmt.Sprintf("%s-%04d", s.prefix, s.clock.Next())
}

// Reset restarts the sequence at prefix-0001.
func (s *SessionSequence) Reset() {
	s.clock.Reset()
}
