package conductor

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewTaskID returns a stable short task identifier: the final UUIDv7 group,
// enough entropy for log grepping without the full 36 characters.
func NewTaskID() string {
	id := NewID()
	return "task-" + id[len(id)-12:]
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
