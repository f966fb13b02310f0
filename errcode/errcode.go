// Package errcode assigns this module's errors to the stable numeric codes
// surfaced across the binding boundary. The numeric values are part of the
// wire contract with host-language bindings and must never be renumbered.
package errcode

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/kumanet/kumanet/eventloop"
	"github.com/kumanet/kumanet/tlspump"
)

// Code is a stable numeric error classification.
type Code int

const (
	OK           Code = 0
	Failed       Code = 1
	InvalidState Code = 2
	InvalidParam Code = 3
	SockError    Code = 4
	SSLFailed    Code = 5
	Again        Code = 6
	NotSupported Code = 7
	Timeout      Code = 8
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case Failed:
		return "failed"
	case InvalidState:
		return "invalid-state"
	case InvalidParam:
		return "invalid-param"
	case SockError:
		return "sock-error"
	case SSLFailed:
		return "ssl-failed"
	case Again:
		return "again"
	case NotSupported:
		return "not-supported"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Of classifies err onto a Code: this module's sentinel errors, context
// deadlines, and crypto/tls and net errors get their specific codes; any
// other error maps onto the generic Failed, so the binding boundary never
// sees a Go error it cannot represent.
func Of(err error) Code {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, tlspump.ErrAgain):
		return Again
	case errors.Is(err, tlspump.ErrInvalidState),
		errors.Is(err, eventloop.ErrLoopTerminated),
		errors.Is(err, eventloop.ErrLoopTerminating),
		errors.Is(err, eventloop.ErrLoopAlreadyRunning),
		errors.Is(err, eventloop.ErrReentrantRun),
		errors.Is(err, eventloop.ErrPollerClosed):
		return InvalidState
	case errors.Is(err, eventloop.ErrInvalidToken),
		errors.Is(err, eventloop.ErrFDOutOfRange),
		errors.Is(err, eventloop.ErrFDAlreadyRegistered),
		errors.Is(err, eventloop.ErrFDNotRegistered):
		return InvalidParam
	case errors.Is(err, tlspump.ErrConnectionClosed):
		return SockError
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	var rhe tls.RecordHeaderError
	if errors.As(err, &rhe) {
		return SSLFailed
	}
	var cve *tls.CertificateVerificationError
	if errors.As(err, &cve) {
		return SSLFailed
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Timeout
		}
		return SockError
	}
	return Failed
}
