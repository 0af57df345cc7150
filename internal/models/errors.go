package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTile marks a tile file that cannot be read or decoded
	ErrInvalidTile = errors.New("invalid tile")

	// ErrNumericalDegeneracy marks a tile the Macenko transform cannot be computed for
	ErrNumericalDegeneracy = errors.New("numerical degeneracy")

	// ErrConfiguration marks parameters out of range
	ErrConfiguration = errors.New("configuration error")

	// ErrMissingInput marks an absent tile directory or input file
	ErrMissingInput = errors.New("missing input")
)

// Error carries one of the kinds above together with what it applies to.
// errors.Is matches both the kind and the wrapped cause.
type Error struct {
	Kind    error
	Subject string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Subject != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Subject)
	}
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// InvalidTile wraps a decoding failure for the named tile
func InvalidTile(tile string, err error) error {
	return &Error{Kind: ErrInvalidTile, Subject: tile, Err: err}
}

// Degenerate reports a Macenko failure with a reason
func Degenerate(format string, args ...any) error {
	return &Error{Kind: ErrNumericalDegeneracy, Msg: fmt.Sprintf(format, args...)}
}

// Configf reports an invalid parameter
func Configf(format string, args ...any) error {
	return &Error{Kind: ErrConfiguration, Msg: fmt.Sprintf(format, args...)}
}

// MissingInput reports an absent path
func MissingInput(path string, err error) error {
	return &Error{Kind: ErrMissingInput, Subject: path, Err: err}
}

// ValidatePercentiles checks 0 <= lower <= upper <= 100
func ValidatePercentiles(lower, upper int) error {
	if lower < 0 || lower > 100 {
		return Configf("lower percentile %d outside [0, 100]", lower)
	}
	if upper < 0 || upper > 100 {
		return Configf("upper percentile %d outside [0, 100]", upper)
	}
	if lower > upper {
		return Configf("lower percentile %d exceeds upper percentile %d", lower, upper)
	}
	return nil
}
