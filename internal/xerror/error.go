// Package xerror implements the error-kind and error-chain conventions
// shared across camerad: every failure that crosses a component boundary
// carries a Kind so callers can classify it without string matching, and
// a chain of (function, kind) entries for diagnostics.
package xerror

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way clients and logs need to distinguish
// it, independent of the wrapped error's message.
type Kind int

const (
	// KindUnknown is the zero value; never attach it deliberately.
	KindUnknown Kind = iota
	// KindDeviceError is a hardware/driver I/O failure.
	KindDeviceError
	// KindInvalidState is a request not permitted in the current state.
	KindInvalidState
	// KindBadValue is a malformed configuration field.
	KindBadValue
	// KindOutOfRange is a configuration field outside device-supported bounds.
	KindOutOfRange
	// KindBadRoi is an invalid region-of-interest geometry.
	KindBadRoi
	// KindBadDepth is an unsupported bit depth.
	KindBadDepth
	// KindBadSpeed is an invalid link bitrate.
	KindBadSpeed
	// KindBadChannels is an invalid link channel count.
	KindBadChannels
	// KindTimeout is a frame that did not arrive in time.
	KindTimeout
	// KindEncodingMismatch is an unsupported converter source/destination pair.
	KindEncodingMismatch
	// KindNoMemory is an allocation failure.
	KindNoMemory
	// KindParseError is a malformed control-protocol request.
	KindParseError
)

func (k Kind) String() string {
	switch k {
	case KindDeviceError:
		return "DeviceError"
	case KindInvalidState:
		return "InvalidState"
	case KindBadValue:
		return "BadValue"
	case KindOutOfRange:
		return "OutOfRange"
	case KindBadRoi:
		return "BadRoi"
	case KindBadDepth:
		return "BadDepth"
	case KindBadSpeed:
		return "BadSpeed"
	case KindBadChannels:
		return "BadChannels"
	case KindTimeout:
		return "Timeout"
	case KindEncodingMismatch:
		return "EncodingMismatch"
	case KindNoMemory:
		return "NoMemory"
	case KindParseError:
		return "ParseError"
	default:
		return "Unknown"
	}
}

// Error is one link in a diagnostic chain: the function that observed
// the failure, the classification, and the underlying cause (which may
// itself be an *Error from a lower layer).
type Error struct {
	Func string
	Kind Kind
	Err  error
}

// New builds a chain-rooted error. fn is typically the unqualified
// function name (e.g. "WaitBuffer"), not a package path.
func New(fn string, kind Kind, err error) *Error {
	return &Error{Func: fn, Kind: kind, Err: err}
}

// Wrap classifies err as kind and records fn, chaining onto any existing
// *Error inside err.
func Wrap(fn string, kind Kind, err error) *Error {
	return &Error{Func: fn, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Func, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Func, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf walks err's chain looking for the first *Error and returns its
// Kind, or KindUnknown if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Unwrap panics if e is non-nil; it is for call sites that have already
// decided an error is fatal to the running goroutine (e.g. setup code
// executed once at startup).
func Unwrap[T any](t T, e error) T {
	if e != nil {
		panic(e)
	}
	return t
}
