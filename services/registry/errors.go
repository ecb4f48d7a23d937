package registry

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a machine lookup misses.
var ErrNotFound = errors.New("machine not found")

// InvalidTransitionError reports a rejected status change.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// ValidationError reports a rejected field value with the reason.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConfirmationRequiredError is returned when a destructive field change
// needs a confirmation token. The caller resubmits the patch with Token.
type ConfirmationRequiredError struct {
	Field string
	Token string
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("changing %s requires confirmation", e.Field)
}
