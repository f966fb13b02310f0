package eventloop

import "errors"

// Standard errors returned by Loop methods.
var (
	// ErrLoopAlreadyRunning is returned when Run is called on a loop that is
	// already running.
	ErrLoopAlreadyRunning = errors.New("eventloop: loop is already running")

	// ErrLoopTerminated is returned when an operation is attempted on a loop
	// that has fully shut down.
	ErrLoopTerminated = errors.New("eventloop: loop has been terminated")

	// ErrLoopTerminating is returned when Post/Async/PostDelayed is called
	// while the loop is draining towards shutdown.
	ErrLoopTerminating = errors.New("eventloop: loop is terminating")

	// ErrReentrantRun is returned when Run is called from within the loop's
	// own goroutine.
	ErrReentrantRun = errors.New("eventloop: cannot call Run from within the loop")

	// ErrInvalidToken is returned when a Token was not issued by this Loop.
	ErrInvalidToken = errors.New("eventloop: token does not belong to this loop")

	// ErrFDOutOfRange is returned when a file descriptor exceeds the
	// poller's supported range.
	ErrFDOutOfRange = errors.New("eventloop: fd out of range")

	// ErrFDAlreadyRegistered is returned by RegisterFD for an fd that is
	// already registered.
	ErrFDAlreadyRegistered = errors.New("eventloop: fd already registered")

	// ErrFDNotRegistered is returned by UnregisterFD/ModifyFD for an fd that
	// isn't currently registered.
	ErrFDNotRegistered = errors.New("eventloop: fd not registered")

	// ErrPollerClosed is returned by poller operations after Close.
	ErrPollerClosed = errors.New("eventloop: poller closed")
)
