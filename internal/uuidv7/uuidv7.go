// Package uuidv7 generates the time-ordered ids used for messages and batches.
package uuidv7

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 or panics if the random source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns the string form of a new UUIDv7.
func NewString() string {
	return New().String()
}

// Parse parses s and requires a version 7 UUID.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, err
	}
	if id.Version() != 7 {
		return uuid.Nil, fmt.Errorf("uuidv7: %s is version %d", s, id.Version())
	}
	return id, nil
}

// Time returns the creation time embedded in a UUIDv7.
func Time(id uuid.UUID) time.Time {
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC()
}
