package tlspump

import (
	"errors"
	"net"
	"time"
)

// pipePollInterval bounds how long a single probe against the engine pipe
// may block. net.Pipe is a synchronous rendezvous with no buffering, so a
// probe must give the engine goroutine a short window to meet it; a
// deadline already in the past would make every probe fail without ever
// transferring bytes.
const pipePollInterval = time.Millisecond

// writeToPipe pushes p towards the engine-facing side of the pipe, blocking
// at most pipePollInterval: if the engine isn't reading right now, the
// probe times out and reports 0 bytes rather than waiting for a rendezvous
// that may never come this tick.
func (s *Session) writeToPipe(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	_ = s.ourSide.SetWriteDeadline(time.Now().Add(pipePollInterval))
	n, err := s.ourSide.Write(p)
	_ = s.ourSide.SetWriteDeadline(time.Time{})
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// readFromPipe pulls whatever ciphertext the engine is currently producing,
// mirroring writeToPipe's bounded-probe behavior.
func (s *Session) readFromPipe(p []byte) (int, error) {
	_ = s.ourSide.SetReadDeadline(time.Now().Add(pipePollInterval))
	n, err := s.ourSide.Read(p)
	_ = s.ourSide.SetReadDeadline(time.Time{})
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// tryRecvCiphertext drains RawRecv into recv_buf, then pushes recv_buf
// into the engine. progressed reports whether any bytes moved;
// transportBlocked reports that the wire itself had nothing to read. A
// false/false result means the engine is mid-computation and simply didn't
// take the bytes this probe.
func (s *Session) tryRecvCiphertext() (progressed, transportBlocked bool, err error) {
	if !s.recvBuf.Empty() {
		n, werr := s.writeToPipe(s.recvBuf.ReadPtr())
		s.recvBuf.Consume(n)
		if n > 0 {
			progressed = true
		}
		if werr != nil {
			return progressed, false, werr
		}
		if !s.recvBuf.Empty() {
			return progressed, false, nil
		}
	}

	s.recvBuf.Grow(scratchChunk)
	n, rerr := s.rawRecv(s.recvBuf.WritePtr())
	if rerr != nil {
		if errors.Is(rerr, ErrAgain) {
			return progressed, true, nil
		}
		return progressed, false, rerr
	}
	if n == 0 {
		return progressed, true, nil
	}
	s.recvBuf.Append(n)
	progressed = true

	wn, werr := s.writeToPipe(s.recvBuf.ReadPtr())
	s.recvBuf.Consume(wn)
	if werr != nil {
		return progressed, false, werr
	}
	return progressed, false, nil
}

// trySendCiphertext drains send_buf via RawSend, then pulls any freshly
// produced ciphertext out of the engine into send_buf. transportBlocked
// reports that RawSend refused bytes (real back-pressure); a false/false
// result means the engine had nothing ready to send this probe. Pending
// send_buf bytes always drain before new ciphertext is pulled, so record
// order is preserved across blocked sends.
func (s *Session) trySendCiphertext() (progressed, transportBlocked bool, err error) {
	if !s.sendBuf.Empty() {
		n, serr := s.rawSend(s.sendBuf.ReadPtr())
		if n > 0 {
			progressed = true
		}
		s.sendBuf.Consume(n)
		if serr != nil {
			if errors.Is(serr, ErrAgain) {
				return progressed, true, nil
			}
			return progressed, false, serr
		}
		if !s.sendBuf.Empty() {
			return progressed, true, nil
		}
	}

	s.sendBuf.Grow(scratchChunk)
	n, rerr := s.readFromPipe(s.sendBuf.WritePtr())
	if rerr != nil {
		return progressed, false, rerr
	}
	if n == 0 {
		return progressed, false, nil
	}
	s.sendBuf.Append(n)
	progressed = true

	sn, serr := s.rawSend(s.sendBuf.ReadPtr())
	if sn > 0 {
		progressed = true
	}
	s.sendBuf.Consume(sn)
	if serr != nil {
		if errors.Is(serr, ErrAgain) {
			return progressed, true, nil
		}
		return progressed, false, serr
	}
	if !s.sendBuf.Empty() {
		return progressed, true, nil
	}
	return progressed, false, nil
}

// Pump drives the handshake: it interleaves ciphertext transport with the
// engine's own state machine until the handshake settles, both sides stop
// making progress, or a fatal error occurs. Call it again, after the next
// readiness notification, when it returns ErrAgain.
func (s *Session) Pump() error {
	switch s.state {
	case StateEstablished, StateFailed:
		return ErrInvalidState
	case StateNone:
		s.state = StateHandshaking
		s.startHandshake()
	}

	tryRecv, trySend := true, true
	for tryRecv || trySend {
		if tryRecv {
			progressed, blocked, err := s.tryRecvCiphertext()
			if err != nil {
				return s.fail(err)
			}
			if blocked || !progressed {
				tryRecv = false
			}
		}

		if done, err := s.checkHandshake(); done {
			return err
		}

		if trySend {
			progressed, blocked, err := s.trySendCiphertext()
			if err != nil {
				return s.fail(err)
			}
			if blocked || !progressed {
				trySend = false
			}
			if progressed {
				// The send side moved; the handshake may have just settled.
				if done, err := s.checkHandshake(); done {
					return err
				}
			}
		}
	}
	return ErrAgain
}

// checkHandshake polls the background handshake goroutine and reports
// done=true once it has a verdict, with the corresponding return value for
// Pump (nil on success, the fatal error on failure).
func (s *Session) checkHandshake() (done bool, err error) {
	s.pollHandshake()
	if s.handshakeFinished() {
		s.state = StateEstablished
		s.log.Info().Str("role", roleName(s.role)).Log("tls handshake established")
		return true, nil
	}
	if s.handshakeFailed() {
		return true, s.fail(*s.handshakeOutcome)
	}
	return false, nil
}
