package model

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrorKind classifies a per-item failure. The set is closed.
type ErrorKind string

const (
	ErrorKindBuild      ErrorKind = "BUILD_ERROR"
	ErrorKindTimeout    ErrorKind = "TIMEOUT"
	ErrorKindConnection ErrorKind = "CONNECTION_ERROR"
	ErrorKindParse      ErrorKind = "PARSE_ERROR"
	ErrorKindValidation ErrorKind = "VALIDATION_ERROR"
	ErrorKindUnknown    ErrorKind = "UNKNOWN"
)

// ErrorKinds lists every kind in a stable order for reporting.
var ErrorKinds = []ErrorKind{
	ErrorKindBuild,
	ErrorKindTimeout,
	ErrorKindConnection,
	ErrorKindParse,
	ErrorKindValidation,
	ErrorKindUnknown,
}

// Valid reports whether k is one of the known kinds.
func (k ErrorKind) Valid() bool {
	for _, known := range ErrorKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseErrorKind converts a user-supplied string (case-insensitive) to an ErrorKind.
func ParseErrorKind(s string) (ErrorKind, error) {
	k := ErrorKind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", eris.Errorf("unknown error kind %q", s)
	}
	return k, nil
}

// BuildError is returned by request builders when an item lacks the fields
// needed to render a request.
type BuildError struct {
	ItemID  string
	Stage   Stage
	Missing []string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s request for %s: missing %s", e.Stage, e.ItemID, strings.Join(e.Missing, ", "))
}

// ValidationError is returned when a response was parsed but is missing
// required fields or holds out-of-range values.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid response field %q: %s", e.Field, e.Reason)
}
