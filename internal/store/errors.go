package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate matches every *DuplicateError.
var ErrDuplicate = errors.New("duplicate identifier")

// ErrCorrupt matches every *CorruptionError.
var ErrCorrupt = errors.New("store corrupt")

// ErrImmutableID is returned when an update tries to change a record's ID.
var ErrImmutableID = errors.New("user id is immutable")

// DuplicateError reports a login identifier already used in a school.
type DuplicateError struct {
	SchoolID string
	Field    string
	Value    string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s %q already registered in school %q", e.Field, e.Value, e.SchoolID)
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// CorruptionError reports a user collection that failed structural
// validation. Nothing is served from such a collection.
type CorruptionError struct {
	Source   string
	Problems []string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s: %d problem(s): %s", e.Source, len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupt
}
