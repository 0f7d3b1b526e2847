package slotstore

import (
	"errors"
	"fmt"

	"github.com/MrWong99/casekeep/internal/slotcodec"
	"github.com/MrWong99/casekeep/pkg/gamestate"
)

var (
	// ErrNotFound is returned by a [Backend] when no record exists for a key.
	// The [Store] translates it into its own not-found results.
	ErrNotFound = errors.New("slotstore: record not found")

	// ErrInvalidKey is returned for unknown slot ids and for case or player
	// ids that are unsafe as storage keys.
	ErrInvalidKey = errors.New("slotstore: invalid key")

	// ErrInvalidState is returned when asked to save a state that fails
	// validation or belongs to a different case or player.
	ErrInvalidState = errors.New("slotstore: invalid state")

	// ErrIO is matched by every [*IOError].
	ErrIO = errors.New("slotstore: storage I/O failed")
)

// IOError wraps a failure of the underlying storage. It matches both [ErrIO]
// and the wrapped error.
type IOError struct {
	Op  string
	Key Key
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("slotstore: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *IOError) Unwrap() []error { return []error{ErrIO, e.Err} }

// UnrecoverableError is returned by [Store.Load] when a slot is corrupt, the
// conservative repair failed and no valid autosave exists. The slot itself is
// left untouched. It matches [slotcodec.ErrCorruptState].
type UnrecoverableError struct {
	Key        Key
	Violations []gamestate.Violation
	Cause      error
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("slotstore: slot %s is unrecoverable: %v", e.Key, e.Cause)
}

func (e *UnrecoverableError) Unwrap() error { return e.Cause }

func (e *UnrecoverableError) Is(target error) bool { return target == slotcodec.ErrCorruptState }

func ioErr(op string, key Key, err error) error {
	var ioe *IOError
	if errors.As(err, &ioe) {
		return err
	}
	return &IOError{Op: op, Key: key, Err: err}
}
