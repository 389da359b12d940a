package model

import "github.com/google/uuid"

// IDGenerator produces external identifiers.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new UUIDv7 as a hyphenated string.
func (UUIDv7Generator) Generate() string {
	return NewUID()
}

// NewUID returns a new time-sortable UUIDv7 for use as an external identifier.
//
// Panics if UUID generation fails (should never happen in practice).
func NewUID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ValidUID reports whether s parses as a UUID.
func ValidUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
