// Package ids generates the identifiers geodispatch hands out: time-ordered
// job ids and short per-process instance ids.
package ids

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// NewJobID returns a UUIDv7 string. Job ids sort by creation time, which
// keeps queue inspection and log correlation readable.
func NewJobID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ValidJobID reports whether s parses as a UUID.
func ValidJobID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// NewInstanceID returns a compact, globally unique id for a worker process
// or a lock holder.
func NewInstanceID() string {
	return xid.New().String()
}
