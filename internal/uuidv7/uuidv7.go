// Package uuidv7 mints time-ordered identifiers used for invocation ids,
// object etags and member ids.
package uuidv7

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 value (time-ordered) or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a string representation of a UUIDv7.
func NewString() string {
	return New().String()
}

// NewToken returns the 32 hex digits of a UUIDv7 without separators.
func NewToken() string {
	id := New()
	return hex.EncodeToString(id[:])
}

// Time extracts the millisecond timestamp embedded in a UUIDv7 string.
func Time(raw string) (time.Time, bool) {
	id, err := uuid.Parse(raw)
	if err != nil || id.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), true
}
