package logging

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateRequestID returns a new random request ID: a version 4 UUID
// without dashes, e.g. "9f1c2e4b7d3a4c58b0e6a1f2d3c4b5a6".
func GenerateRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ShortID returns the first eight characters of a request ID, enough to
// correlate lines of a single request in text logs.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
