package id

import (
	"github.com/google/uuid"
)

// Generator provides unique identifiers for events.
type Generator interface {
	NextID() string
}

// UUIDGenerator generates time-ordered UUIDv7 identifiers.
// 128 bits, globally unique, never reused. Safe for concurrent use.
type UUIDGenerator struct{}

// NewUUIDGenerator creates a new UUIDv7 generator.
func NewUUIDGenerator() *UUIDGenerator {
	return &UUIDGenerator{}
}

// NextID returns the canonical string form of a fresh UUIDv7.
// Falls back to a random v4 if the v7 clock source fails.
func (g *UUIDGenerator) NextID() string {
	u, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return u.String()
}

// Valid reports whether s is a well-formed event identifier.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
