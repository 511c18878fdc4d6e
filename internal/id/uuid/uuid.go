// Package uuid provides run and lease holder identifiers.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var compactRe = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Generator creates time-ordered UUID v7 identifiers.
type Generator struct {
	compact bool
}

// New returns a Generator producing canonical dashed UUIDs.
func New() *Generator {
	return &Generator{}
}

// NewCompact returns a Generator producing 32 character lowercase hex ids,
// the form used for run directories and URLs.
func NewCompact() *Generator {
	return &Generator{compact: true}
}

// NewID returns a fresh identifier.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g.compact {
		return fmt.Sprintf("%x", id[:]), nil
	}
	return id.String(), nil
}

// ValidCompact reports whether s looks like an id from NewCompact.
func ValidCompact(s string) bool {
	return compactRe.MatchString(s)
}
