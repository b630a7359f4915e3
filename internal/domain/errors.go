package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy. Wrapped causes are joined with these sentinels so callers
// classify with errors.Is and never by looking at output text.
var (
	// ErrValidation covers bad or missing input. Nothing is provisioned.
	ErrValidation = errors.New("validation error")

	// ErrNotSupported is returned when a language has no profile for a mode.
	ErrNotSupported = fmt.Errorf("%w: not supported", ErrValidation)

	// ErrIO is a staging failure on the host filesystem.
	ErrIO = errors.New("workspace i/o error")

	ErrProvision = errors.New("provision error")
	ErrStart     = errors.New("start error")

	// ErrStream is a transport failure while output was being collected.
	ErrStream = errors.New("stream error")

	// ErrTimedOut means the job exceeded its wall-clock limit.
	ErrTimedOut = errors.New("execution timed out")
)

// Wrap joins a taxonomy sentinel with the underlying cause.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", kind, fmt.Errorf(format, args...))
}

// kinds is ordered so ErrNotSupported is stripped before its parent.
var kinds = []error{ErrNotSupported, ErrValidation, ErrIO, ErrProvision, ErrStart, ErrStream, ErrTimedOut}

// Cause returns err's message without its leading taxonomy prefix, for
// showing to the submitter.
func Cause(err error) string {
	msg := err.Error()
	for _, kind := range kinds {
		if rest, ok := strings.CutPrefix(msg, kind.Error()+": "); ok {
			return rest
		}
	}
	return msg
}
