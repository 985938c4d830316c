package board

import (
	"fmt"
)

// ErrInvalidElement is returned when an element fails validation.
type ErrInvalidElement struct {
	Message string
}

func (e ErrInvalidElement) Error() string {
	return fmt.Sprintf("invalid element: %s", e.Message)
}

// ErrInvalidKind is returned when an element carries an unknown kind.
type ErrInvalidKind struct {
	Kind string
}

func (e ErrInvalidKind) Error() string {
	return fmt.Sprintf("invalid element kind: %s", e.Kind)
}
