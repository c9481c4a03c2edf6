package identity

import "errors"

var (
	// ErrInvalidInput is returned for empty names, malformed vectors and
	// out-of-range thresholds. Nothing is written.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict is returned when the name is already enrolled.
	ErrConflict = errors.New("person already exists")
	// ErrDuplicateFace is returned when the face is already enrolled under
	// another name and duplicate checking is enabled.
	ErrDuplicateFace = errors.New("face already enrolled")
	// ErrNotFound is returned for unknown persons and searches with no hit
	// at or above the threshold.
	ErrNotFound = errors.New("person not found")
	// ErrInconsistency is returned when the vector index holds a vector that
	// no person row owns.
	ErrInconsistency = errors.New("vector index and person table disagree")
	// ErrDeletionFailed is returned when the vector could not be removed.
	// The person row is left in place.
	ErrDeletionFailed = errors.New("deletion failed")
)
