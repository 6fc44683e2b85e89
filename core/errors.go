package core

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure returned by the store, the catalog and the
// registry matches exactly one of these with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrWriteFailure        = errors.New("write failure")
	ErrCorruptFile         = errors.New("corrupt file")
	ErrDuplicateVersion    = errors.New("duplicate version")
	ErrRegistrationFailure = errors.New("registration failure")
	ErrCatalogUnavailable  = errors.New("catalog unavailable")
	ErrInvalidArgument     = errors.New("invalid argument")
)

// Wrap tags err with kind. Both stay reachable through errors.Is / errors.As.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Kind returns the error kind err belongs to, or nil if it carries none.
func Kind(err error) error {
	for _, kind := range []error{
		ErrRegistrationFailure,
		ErrDuplicateVersion,
		ErrNotFound,
		ErrCorruptFile,
		ErrWriteFailure,
		ErrCatalogUnavailable,
		ErrInvalidArgument,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
