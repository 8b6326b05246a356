package store

import "errors"

var (
	// ErrNotFound indicates a missing or unauthorized resource lookup.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a uniqueness violation, such as a duplicate uri.
	ErrConflict = errors.New("record already exists")
	// ErrTooManyMatches is returned when a change query exceeds its limit.
	ErrTooManyMatches = errors.New("too many matches")
)
