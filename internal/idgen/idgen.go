// Package idgen generates the record identifiers used across the
// fetch pipeline.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 identifiers, which sort lexicographically
// by creation time — useful for the repository's createdAt-ordered
// queries even before an index kicks in.
type Generator struct{}

// New returns a Generator.
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
