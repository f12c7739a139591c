package types

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable is matched by every error coming out of a Table backend.
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInvalidAddress     = errors.New("invalid address")
)

// StorageError wraps a backend failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorageUnavailable, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

// WrapStorage returns nil for a nil err.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
