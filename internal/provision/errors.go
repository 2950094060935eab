package provision

import (
	"errors"
	"fmt"
)

// Kind classifies provisioning failures.
type Kind string

const (
	KindTransportUnavailable Kind = "transport unavailable"
	KindScan                 Kind = "scan error"
	KindConnect              Kind = "connect error"
	KindDiscovery            Kind = "discovery error"
	KindRead                 Kind = "read error"
	KindWrite                Kind = "write error"
	KindConfirmationTimeout  Kind = "confirmation timeout"
	KindRegistration         Kind = "registration error"
	KindCancelled            Kind = "cancelled"
	KindInvalidState         Kind = "invalid state"
)

// Error is a provisioning failure. errors.Is matches two Errors by Kind, so the
// package sentinels can be used as targets; Unwrap exposes the transport cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	return ok && t != nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrTransportUnavailable = &Error{Kind: KindTransportUnavailable}
	ErrScan                 = &Error{Kind: KindScan}
	ErrConnect              = &Error{Kind: KindConnect}
	ErrDiscovery            = &Error{Kind: KindDiscovery}
	ErrRead                 = &Error{Kind: KindRead}
	ErrWrite                = &Error{Kind: KindWrite}
	ErrConfirmationTimeout  = &Error{Kind: KindConfirmationTimeout}
	ErrRegistration         = &Error{Kind: KindRegistration}
	ErrCancelled            = &Error{Kind: KindCancelled}
	ErrInvalidState         = &Error{Kind: KindInvalidState}
)

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func invalidState(op string, s State) *Error {
	return newError(KindInvalidState, op, fmt.Errorf("not allowed in state %q", s))
}

// KindOf returns the Kind of err, or "" when err is not a provisioning error.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}
