// Package uuid allocates job identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 job ids. Successive ids from one
// process sort by creation time, which keeps bucket listings chronological.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Valid reports whether raw has the shape of an id this package issues.
func Valid(raw string) bool {
	id, err := uuid.Parse(raw)
	if err != nil {
		return false
	}
	return id.Version() == 7 && len(raw) == 36
}
