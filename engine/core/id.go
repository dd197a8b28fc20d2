package core

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// ID is a K-sortable unique identifier used for audit rows and events.
type ID string

func (i ID) String() string {
	return string(i)
}

func (i ID) IsZero() bool {
	return i == ""
}

// NewID generates a new unique ID.
func NewID() (ID, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return ID(id.String()), nil
}

// MustNewID generates a new unique ID and panics on failure.
func MustNewID() ID {
	id, err := NewID()
	if err != nil {
		panic(err)
	}
	return id
}

// ParseID validates that raw is a well-formed KSUID and returns it as an ID.
func ParseID(raw string) (ID, error) {
	if _, err := ksuid.Parse(raw); err != nil {
		return "", fmt.Errorf("invalid id %q: %w", raw, err)
	}
	return ID(raw), nil
}
