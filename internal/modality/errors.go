package modality

import (
	"errors"
	"fmt"
)

// ErrUnavailable matches every resolution failure.
var ErrUnavailable = errors.New("modality unavailable")

// Error reports that a modality could not be resolved for an object.
type Error struct {
	Object   string
	Modality Modality
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("modality %s for object %s: %v", e.Modality, e.Object, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnavailable) true for any *Error.
func (e *Error) Is(target error) bool { return target == ErrUnavailable }
