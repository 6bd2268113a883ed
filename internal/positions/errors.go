package positions

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFound            = errors.New("position not found")
	ErrAlreadyClosed       = errors.New("position already closed")
	// ErrTransientStore wraps storage failures the caller may retry.
	ErrTransientStore = errors.New("store temporarily unavailable")
	// ErrConfiguration means a required collaborator is missing.
	ErrConfiguration = errors.New("position service misconfigured")
)

// ValidationError names the offending field. It matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// transient wraps err as retryable unless it already carries a domain error.
func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrValidation, ErrInsufficientBalance, ErrNotFound, ErrAlreadyClosed, ErrTransientStore} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%s: %w: %v", op, ErrTransientStore, err)
}
