package eventloop

import "sync/atomic"

// Token is a cancellation handle for tasks submitted to a Loop. A Token is
// created once via Loop.NewToken and then attached to any number of tasks
// via the Task.Token field on Post/Async/PostDelayed; cancelling it (via
// Loop.Cancel) causes every not-yet-started task carrying it to be skipped
// instead of run.
//
// A Token compares equal only to itself: the (loop, serial) pair is unique
// per call to NewToken, and a Token obtained from one Loop is rejected by
// another Loop's Cancel.
type Token struct {
	loopID    uint64
	serial    uint64
	cancelled atomic.Bool
	// generation counts reset calls (one per Loop.Cancel); it has no
	// accessor outside this package.
	generation atomic.Uint64
}

// Cancelled reports whether the Token has been cancelled via Loop.Cancel.
func (t *Token) Cancelled() bool {
	if t == nil {
		return false
	}
	return t.cancelled.Load()
}

// reset marks the token cancelled, idempotently. Safe for concurrent use.
func (t *Token) reset() {
	t.cancelled.Store(true)
	t.generation.Add(1)
}

var tokenSerial atomic.Uint64

// NewToken allocates a fresh, live Token bound to this Loop. Creating a
// token does not itself schedule or affect any work; it only becomes
// meaningful once attached to a task and, later, passed to Cancel.
func (l *Loop) NewToken() *Token {
	return &Token{
		loopID: l.id,
		serial: tokenSerial.Add(1),
	}
}

// Cancel resets token, preventing any task carrying it that has not yet
// started from running. A task already executing when Cancel is called is
// allowed to finish; Cancel blocks (when called off the loop's own
// goroutine) until any task currently in flight completes, so that by the
// time Cancel returns, no task carrying this token is either running or
// still eligible to run.
//
// Cancel returns ErrInvalidToken if token was not issued by this Loop.
func (l *Loop) Cancel(token *Token) error {
	if token == nil {
		return nil
	}
	if token.loopID != l.id {
		return ErrInvalidToken
	}
	token.reset()
	if !l.onLoopThread() {
		// Acquire and release the dispatch lock, held by the loop goroutine
		// only while a task body is executing. This forces Cancel to wait
		// out any in-flight task without needing a separate per-token
		// wait mechanism.
		l.dispatchMu.Lock()
		l.dispatchMu.Unlock()
	}
	return nil
}
