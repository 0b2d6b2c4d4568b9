// Package bus implements the connection and transaction layer plus the
// dispatcher and matchmaker: the name registry, match-rule matchmaker,
// driver method table, and the dispatch entry point that ties them together
// with internal/wire and internal/loop.
package bus

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per broker-level error kind.
var (
	ErrOutOfMemory      = errors.New("bus: out of memory")
	ErrDecodeFailure    = errors.New("bus: decode failure")
	ErrPolicyDenied     = errors.New("bus: policy denied")
	ErrNoSuchDestination = errors.New("bus: no such destination")
	ErrProtocolViolation = errors.New("bus: protocol violation")
)

// Well-known error names used in error-typed reply messages.
const (
	ErrNameServiceDoesNotExist = "org.freedesktop.DBus.Error.ServiceDoesNotExist"
	ErrNameNoMemory            = "org.freedesktop.DBus.Error.NoMemory"
	ErrNameAccessDenied        = "org.freedesktop.DBus.Error.AccessDenied"
	ErrNameInvalidArgs         = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameNameHasNoOwner      = "org.freedesktop.DBus.Error.NameHasNoOwner"
	ErrNameServiceUnknown      = "org.freedesktop.DBus.Error.ServiceUnknown"
)

// BusError carries the dotted error name that belongs in an error reply's
// ErrorName header field, plus the sentinel Kind it unwraps to, so
// errors.Is classifies a BusError the same as its sentinel.
type BusError struct {
	Kind error
	Name string
	Msg  string
}

func (e *BusError) Error() string { return e.Msg }
func (e *BusError) Unwrap() error { return e.Kind }

func newBusError(kind error, name, format string, args ...interface{}) error {
	return &BusError{Kind: kind, Name: name, Msg: fmt.Sprintf(format, args...)}
}

// policyDenied marks an error as a silent-drop policy rejection rather than
// one that earns the sender a reply.
type policyDenied struct {
	reason string
}

func (e *policyDenied) Error() string { return "policy denied: " + e.reason }
func (e *policyDenied) Unwrap() error { return ErrPolicyDenied }

// asBusError extracts the dotted error name to report to a sender for err,
// defaulting to ServiceUnknown for errors with no more specific mapping.
func asBusError(err error) *BusError {
	var be *BusError
	if errors.As(err, &be) {
		return be
	}
	switch {
	case errors.Is(err, ErrNoSuchDestination):
		return &BusError{Name: ErrNameServiceDoesNotExist, Msg: err.Error()}
	case errors.Is(err, ErrDecodeFailure):
		return &BusError{Name: ErrNameInvalidArgs, Msg: err.Error()}
	default:
		return &BusError{Name: ErrNameServiceUnknown, Msg: err.Error()}
	}
}
