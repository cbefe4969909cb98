package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrRunNotFound    = fmt.Errorf("%w: run", ErrNotFound)
	ErrConfigNotFound = fmt.Errorf("%w: config snapshot", ErrNotFound)
	ErrResultNotFound = fmt.Errorf("%w: result", ErrNotFound)

	// Validation errors
	ErrEmptyDimension   = errors.New("grid dimension has no values")
	ErrUnknownOption    = errors.New("unrecognized option")
	ErrTargetOutOfRange = errors.New("target frequency out of range")

	// Determinism errors
	ErrHashMismatch = errors.New("hash mismatch")

	// Provenance errors
	ErrOrphanResult = errors.New("result has no originating config snapshot")
)

// NewValidationError describes a field that failed validation
func NewValidationError(field string, reason string) error {
	return fmt.Errorf("validation failed for %s: %s", field, reason)
}

// NewUnknownOptionError reports a value outside an enumerated option set
func NewUnknownOptionError(field, value string, allowed []string) error {
	return fmt.Errorf("%w for %s: %q (allowed: %v)", ErrUnknownOption, field, value, allowed)
}
