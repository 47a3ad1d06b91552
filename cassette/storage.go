package cassette

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Storage.Load when no cassette exists under the
// given name. It is a normal outcome, not a StorageError.
var ErrNotFound = errors.New("cassette not found")

// Storage persists ordered interactions under a cassette name.
//
// Save must be atomic with respect to Load: a failed Save never leaves a
// truncated cassette visible.
type Storage interface {
	Load(ctx context.Context, name string) ([]Interaction, error)
	Save(ctx context.Context, name string, interactions []Interaction) error
}

type StorageError struct {
	Op   string
	Name string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cassette %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err, leaving nil and ErrNotFound untouched.
func NewStorageError(op, name string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Name: name, Err: err}
}
