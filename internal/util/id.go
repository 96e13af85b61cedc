package util

import "github.com/google/uuid"

// NewID returns a random request-scoped identifier.
func NewID() string {
	return uuid.NewString()
}
