package sagaengine

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for run ids and outbox lock tokens.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnixMilli returns the current time as Unix milliseconds, the engine's
// canonical timestamp resolution (outbox scheduling is millisecond-grained).
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
