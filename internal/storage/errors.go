package storage

import (
	"errors"
	"fmt"
)

// Error kinds. Operations wrap one of these together with the underlying
// cause, so callers test with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrStorage         = errors.New("storage failure")
	ErrIntegrity       = errors.New("integrity failure")
)

// ErrClosed is returned while the connection is closed for a file-level copy.
var ErrClosed = fmt.Errorf("%w: database is closed", ErrStorage)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// storageErr tags a driver error as a storage failure.
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
