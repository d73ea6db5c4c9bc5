// Package uuid generates run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
)

// Generator creates time-ordered UUIDv7 run IDs.
type Generator struct{}

var _ analyzer.IDGenerator = Generator{}

// New creates a new Generator.
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

// Static always returns the same ID. Useful when a caller pins the run ID.
type Static string

// NewID returns the pinned ID, validating that it parses as a UUID.
func (s Static) NewID() (string, error) {
	id, err := uuid.Parse(string(s))
	if err != nil {
		return "", fmt.Errorf("parse run id %q: %w", string(s), err)
	}
	return id.String(), nil
}
