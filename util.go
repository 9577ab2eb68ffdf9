package warden

import "github.com/google/uuid"

// newRequestID returns a fresh id correlating the INITIATED and
// COMPLETED (or FAILED) audit entries of one operation.
func newRequestID() string {
	return uuid.New().String()
}
