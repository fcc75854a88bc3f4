// Package uuidx generates time-ordered identifiers for runs and records.
package uuidx

import "github.com/google/uuid"

// New returns a fresh v7 UUID. It panics when the random source fails,
// which only happens when the OS entropy pool is unavailable.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a fresh v7 UUID in its canonical string form.
func NewString() string {
	return New().String()
}
