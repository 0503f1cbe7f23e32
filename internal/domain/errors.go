package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTransaction is returned when a transaction id was already recorded
	ErrDuplicateTransaction = errors.New("transaction already recorded")

	// ErrNonMonotonicTimestamp is returned when a transaction is older than the
	// latest one recorded for the same entity
	ErrNonMonotonicTimestamp = errors.New("timestamp precedes latest transaction for entity")

	// ErrStateUnavailable marks a window store outage
	ErrStateUnavailable = errors.New("entity state store unavailable")

	// ErrClassifierUnavailable marks a classifier timeout, error or open breaker
	ErrClassifierUnavailable = errors.New("classifier unavailable")

	ErrInvalidRule       = errors.New("invalid rule")
	ErrCaseNotFound      = errors.New("case not found")
	ErrInvalidTransition = errors.New("invalid case transition")
)

// ValidationError describes a rejected transaction field
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid transaction: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is (or wraps) a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
