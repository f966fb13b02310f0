// Package tlspump drives a non-blocking TLS handshake and bidirectional
// record I/O by pumping two in-memory byte buffers between a streaming
// crypto engine (crypto/tls, via an in-process net.Pipe) and a socket
// layer the caller owns. The session never touches a real file descriptor
// itself; callers supply RawSend/RawRecv collaborators.
package tlspump

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/kumanet/kumanet/internal/buffer"
	"github.com/kumanet/kumanet/internal/telemetry"
)

// Role is which side of the handshake a Session plays.
type Role int

const (
	Client Role = iota
	Server
)

// State is the session's handshake lifecycle, per spec §4.3.
type State int

const (
	StateNone State = iota
	StateHandshaking
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RawSend delivers ciphertext to the network. It returns ErrAgain when the
// transport would block (not fatal); any other non-nil error is fatal.
type RawSend func(p []byte) (n int, err error)

// RawRecv reads ciphertext from the network, with the same error contract
// as RawSend.
type RawRecv func(p []byte) (n int, err error)

const scratchChunk = 16 * 1024

type writeResult struct {
	n   int
	err error
}

type readResult struct {
	n   int
	err error
}

// Session wraps a *tls.Conn, feeding and draining send_buf/recv_buf via
// RawSend/RawRecv instead of owning a socket directly. A Session does not
// store a back-pointer into its crypto engine's I/O path: the engine runs
// on one end of an in-process net.Pipe, and every crossing is driven by a
// method call on Session itself, so there is nothing for the engine to
// call back into asynchronously.
type Session struct {
	role  Role
	state State

	conn             *tls.Conn
	ourSide          net.Conn
	handshakeCh      chan error
	handshakeOutcome *error

	writeCh chan writeResult
	readCh  chan readResult

	sendBuf *buffer.Buffer
	recvBuf *buffer.Buffer

	rawSend RawSend
	rawRecv RawRecv

	log *telemetry.Logger
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithLogger attaches a structured logger; the zero value logs nothing.
func WithLogger(log *telemetry.Logger) Option {
	return func(s *Session) { s.log = log }
}

// NewSession constructs a Session for role, wrapping cfg's handshake over
// an in-memory pipe. rawSend/rawRecv are the socket-layer collaborators;
// the session never calls them until Pump or an app I/O method runs.
func NewSession(role Role, cfg *tls.Config, rawSend RawSend, rawRecv RawRecv, opts ...Option) *Session {
	ourSide, engineSide := net.Pipe()
	s := &Session{
		role:    role,
		state:   StateNone,
		ourSide: ourSide,
		sendBuf: buffer.New(scratchChunk),
		recvBuf: buffer.New(scratchChunk),
		rawSend: rawSend,
		rawRecv: rawRecv,
		log:     telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if role == Server {
		s.conn = tls.Server(engineSide, cfg)
	} else {
		s.conn = tls.Client(engineSide, cfg)
	}
	return s
}

// State returns the session's current lifecycle phase.
func (s *Session) State() State { return s.state }

// Close releases the engine and the in-memory pipe. Safe to call more than
// once; idempotent after the first transition to StateFailed.
//
// ourSide is closed before conn: conn.Close() writes a close_notify alert
// through the pipe's engine-facing end, which would otherwise block
// forever waiting for a reader that no longer exists once nobody is
// pumping. Closing ourSide first makes that write fail immediately with
// io.ErrClosedPipe instead of hanging.
func (s *Session) Close() error {
	if s.state == StateFailed {
		return nil
	}
	s.state = StateFailed
	err := s.ourSide.Close()
	_ = s.conn.Close()
	return err
}

// fail transitions the session to StateFailed, releases the engine, and
// logs once. It returns err unchanged so call sites can `return s.fail(err)`.
func (s *Session) fail(err error) error {
	if s.state != StateFailed {
		s.log.Err().Str("error", err.Error()).Str("role", roleName(s.role)).Log("tls session failed")
	}
	s.state = StateFailed
	_ = s.ourSide.Close()
	_ = s.conn.Close()
	return err
}

func roleName(r Role) string {
	if r == Server {
		return "server"
	}
	return "client"
}

func (s *Session) startHandshake() {
	s.handshakeCh = make(chan error, 1)
	go func(conn *tls.Conn, ch chan<- error) {
		ch <- conn.HandshakeContext(context.Background())
	}(s.conn, s.handshakeCh)
}

// pollHandshake drains a completed handshake result without blocking,
// caching it so repeated checks within one Pump call don't race the
// unbuffered-after-first-receive channel.
func (s *Session) pollHandshake() {
	if s.handshakeOutcome != nil || s.handshakeCh == nil {
		return
	}
	select {
	case err := <-s.handshakeCh:
		s.handshakeOutcome = &err
	default:
	}
}

func (s *Session) handshakeFinished() bool {
	return s.handshakeOutcome != nil && *s.handshakeOutcome == nil
}

func (s *Session) handshakeFailed() bool {
	return s.handshakeOutcome != nil && *s.handshakeOutcome != nil
}
