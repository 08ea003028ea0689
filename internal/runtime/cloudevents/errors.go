package cloudevents

import (
	"fmt"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
)

// ValidationError names the envelope attribute that made an event unusable.
type ValidationError struct {
	Attribute string
	Reason    string
}

func invalid(attribute, reason string) *ValidationError {
	return &ValidationError{Attribute: attribute, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("relayflow: invalid event: %s %s", e.Attribute, e.Reason)
}

// Unwrap lets callers match any envelope problem with ErrInvalidEvent.
func (e *ValidationError) Unwrap() error {
	return errspkg.ErrInvalidEvent
}
