// Package trace generates the opaque trace identifiers propagated across a
// request's internal fan-out via the X-Trace-Id header.
package trace

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh 128-bit random id, hex-encoded with no separators,
// suitable for the X-Trace-Id header and for TelemetryRecord.TraceID.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
