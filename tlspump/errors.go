package tlspump

import "errors"

var (
	// ErrAgain is returned when the transport or the crypto engine would
	// block; not fatal. The caller should resume on the next readiness
	// notification (Pump/SendBuffered/ResumeRead).
	ErrAgain = errors.New("tlspump: would block")

	// ErrInvalidState is returned when an operation is attempted outside
	// the state it requires (e.g. Write before the handshake settles, or
	// a second concurrent Write while one is still draining).
	ErrInvalidState = errors.New("tlspump: invalid state")

	// ErrConnectionClosed is the fatal error reported when a Read observes
	// the peer closing its write side (TLS close_notify / EOF).
	ErrConnectionClosed = errors.New("tlspump: connection closed by peer")
)
