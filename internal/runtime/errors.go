package runtime

import (
	"errors"
	"fmt"
)

// UnprocessableEventError marks a bus message that can never be handled,
// such as a payload that is not a valid CloudEvent. The poison queue
// middleware forwards these instead of redelivering them.
type UnprocessableEventError struct {
	Payload string
	Err     error
}

func (e *UnprocessableEventError) Error() string {
	return fmt.Sprintf("unprocessable event: %v", e.Err)
}

func (e *UnprocessableEventError) Unwrap() error { return e.Err }

// IsUnprocessable reports whether err carries an UnprocessableEventError.
func IsUnprocessable(err error) bool {
	var target *UnprocessableEventError
	return errors.As(err, &target)
}
