package tlspump

import (
	"errors"
	"io"
	"time"
)

// Write accepts plaintext for the established session: it hands p to the
// engine and drains whatever ciphertext that produces until either the
// engine has consumed all of p or the transport blocks (back-pressure).
// On ErrAgain, the write is in flight; the owner must call SendBuffered on
// the next write-readiness notification before attempting another Write,
// preserving record order.
func (s *Session) Write(p []byte) (int, error) {
	if s.state != StateEstablished {
		return 0, ErrInvalidState
	}
	if s.writeCh != nil {
		return 0, ErrInvalidState
	}
	s.writeCh = make(chan writeResult, 1)
	go func(data []byte, ch chan<- writeResult) {
		n, err := s.conn.Write(data)
		ch <- writeResult{n: n, err: err}
	}(p, s.writeCh)
	return s.drainWrite()
}

// SendBuffered flushes any queued ciphertext and, if a Write is still
// draining, resumes it. Callers must invoke this on every write-readiness
// notification until it stops returning ErrAgain.
func (s *Session) SendBuffered() (int, error) {
	if s.state != StateEstablished {
		return 0, ErrInvalidState
	}
	if s.writeCh == nil {
		for {
			progressed, blocked, err := s.trySendCiphertext()
			if err != nil {
				return 0, s.fail(err)
			}
			if blocked {
				return 0, ErrAgain
			}
			if !progressed {
				return 0, nil
			}
		}
	}
	return s.drainWrite()
}

func (s *Session) drainWrite() (int, error) {
	for {
		select {
		case res := <-s.writeCh:
			s.writeCh = nil
			if res.err != nil {
				return res.n, s.fail(res.err)
			}
			return res.n, nil
		default:
		}
		progressed, blocked, err := s.trySendCiphertext()
		if err != nil {
			s.writeCh = nil
			return 0, s.fail(err)
		}
		if blocked {
			return 0, ErrAgain
		}
		if !progressed {
			// The engine is mid-record; wait briefly for either the write
			// to settle or more ciphertext to appear, rather than reporting
			// back-pressure the transport never signalled.
			select {
			case res := <-s.writeCh:
				s.writeCh = nil
				if res.err != nil {
					return res.n, s.fail(res.err)
				}
				return res.n, nil
			case <-time.After(pipePollInterval):
			}
		}
	}
}

// WriteVectored sends each buffer in order via Write, stopping at the
// first short result: bytes are delivered in order, but atomicity per call
// is not guaranteed.
func (s *Session) WriteVectored(bufs [][]byte) (int, error) {
	var total int
	for _, b := range bufs {
		n, err := s.Write(b)
		total += n
		if err != nil {
			return total, err
		}
		if n < len(b) {
			break
		}
	}
	return total, nil
}

// Read drains ciphertext from RawRecv into the engine and returns plaintext
// into p, stopping once the engine yields data or the recv side blocks. A
// peer close (TLS close_notify / EOF) reports -1 and transitions the
// session to StateFailed.
//
// A Read that returned ErrAgain stays in flight; calling Read again (or
// ResumeRead) resumes it, and the plaintext lands in the buffer from the
// original call.
func (s *Session) Read(p []byte) (int, error) {
	if s.state != StateEstablished {
		return 0, ErrInvalidState
	}
	if s.readCh == nil {
		s.readCh = make(chan readResult, 1)
		go func(buf []byte, ch chan<- readResult) {
			n, err := s.conn.Read(buf)
			ch <- readResult{n: n, err: err}
		}(p, s.readCh)
	}
	return s.drainRead()
}

// ResumeRead continues an in-flight Read after a read-readiness
// notification; it is a no-op returning ErrAgain if no Read is pending.
func (s *Session) ResumeRead() (int, error) {
	if s.readCh == nil {
		return 0, ErrAgain
	}
	return s.drainRead()
}

func (s *Session) drainRead() (int, error) {
	for {
		select {
		case res := <-s.readCh:
			s.readCh = nil
			return s.finishRead(res)
		default:
		}
		progressed, blocked, err := s.tryRecvCiphertext()
		if err != nil {
			s.readCh = nil
			return 0, s.fail(err)
		}
		if blocked && !progressed {
			// Nothing on the wire; give the engine one last window to
			// yield plaintext it already holds before deferring to the
			// next readiness notification.
			select {
			case res := <-s.readCh:
				s.readCh = nil
				return s.finishRead(res)
			case <-time.After(pipePollInterval):
				return 0, ErrAgain
			}
		}
	}
}

func (s *Session) finishRead(res readResult) (int, error) {
	if res.err != nil {
		if errors.Is(res.err, io.EOF) {
			return -1, s.fail(ErrConnectionClosed)
		}
		return res.n, s.fail(res.err)
	}
	return res.n, nil
}
