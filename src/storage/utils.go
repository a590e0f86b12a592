package storage

import (
	"time"

	"github.com/google/uuid"
)

// GenerateID generates a time-ordered unique ID for storage entities
func GenerateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// now is truncated to the stored precision
var now = func() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// nextCreatedAt keeps createdAt strictly increasing within a thread
func nextCreatedAt(tail time.Time) time.Time {
	t := now()
	if !tail.IsZero() && !t.After(tail) {
		t = tail.Add(time.Microsecond)
	}
	return t
}
