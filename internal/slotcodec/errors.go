package slotcodec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/casekeep/pkg/gamestate"
)

var (
	// ErrUnsupportedVersion is matched by [*VersionError].
	ErrUnsupportedVersion = errors.New("slotcodec: unsupported save version")

	// ErrCorruptState is matched by [*CorruptStateError].
	ErrCorruptState = errors.New("slotcodec: corrupt state")

	// ErrNoHeader is returned by [Codec.DecodeHeader] for records written
	// before slot headers existed.
	ErrNoHeader = errors.New("slotcodec: record has no header")
)

// VersionError reports a record written by a newer engine.
type VersionError struct {
	Found     int
	Supported int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("slotcodec: save version %d is newer than supported version %d", e.Found, e.Supported)
}

func (e *VersionError) Is(target error) bool { return target == ErrUnsupportedVersion }

// CorruptStateError reports a record that could not be turned into a valid
// state. Either Cause is set (unparseable data, failed migration) or
// Violations lists the invariants the decoded state breaks.
type CorruptStateError struct {
	Version    int
	Violations []gamestate.Violation
	Cause      error

	// Candidate is the decoded, migrated state that failed validation. It is
	// nil when the record could not be parsed at all.
	Candidate *gamestate.State
}

func (e *CorruptStateError) Error() string {
	var b strings.Builder
	b.WriteString("slotcodec: corrupt state")
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	for i, v := range e.Violations {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(v.String())
	}
	return b.String()
}

func (e *CorruptStateError) Is(target error) bool { return target == ErrCorruptState }

func (e *CorruptStateError) Unwrap() error { return e.Cause }
