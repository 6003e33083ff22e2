// Package ids generates the identifiers carried on the wire.
package ids

import "github.com/google/uuid"

// NewMessageID returns a fresh envelope identifier. Retries of one logical
// send reuse the same value so receivers can drop duplicates.
func NewMessageID() string {
	return uuid.NewString()
}

// NewSessionID returns an identifier for one physical connection of a participant.
func NewSessionID() string {
	return "sess_" + uuid.NewString()
}

// NewSegmentID returns an identifier for a transcript segment.
func NewSegmentID() string {
	return "seg_" + uuid.NewString()
}

// IsValid reports whether s parses as a uuid, with or without one of the prefixes above.
func IsValid(s string) bool {
	for _, prefix := range []string{"sess_", "seg_"} {
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			s = s[len(prefix):]
			break
		}
	}
	_, err := uuid.Parse(s)
	return err == nil
}
