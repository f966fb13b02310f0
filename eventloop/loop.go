package eventloop

import (
	"container/heap"
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/kumanet/kumanet/internal/telemetry"
)

// Loop is a single-threaded task dispatcher: it owns one goroutine that
// repeatedly fires due delayed tasks, drains queued tasks, and polls for
// I/O readiness, in that order, until shut down. Work is submitted from
// any goroutine via Post/Async/PostDelayed/Sync; it always runs on the
// loop's own goroutine.
type Loop struct {
	id    uint64
	state *atomicState

	externalMu sync.Mutex
	external   taskQueue

	internalMu sync.Mutex
	internal   taskQueue

	delayMu  sync.Mutex
	delay    delayHeap
	delaySeq uint64

	// dispatchMu is held by the loop goroutine for the duration of every
	// task body. Cancel uses it, off-thread, purely as a wait barrier for
	// "is anything running right now" — see token.go.
	dispatchMu sync.Mutex

	poller poller

	wakeRead, wakeWrite int
	wakeBuf             [8]byte
	wakePending         atomic.Bool

	loopGoroutine atomic.Uint64

	closeOnce   sync.Once
	stopOnce    sync.Once
	fdCloseOnce sync.Once
	done        chan struct{}

	log     *telemetry.Logger
	metrics *metrics
	cfg     *loopConfig
}

var loopIDSeq atomic.Uint64

// New constructs a Loop and initializes its I/O poller and wakeup pipe.
// The returned Loop is StateAwake; call Run to start dispatching.
func New(opts ...Option) (*Loop, error) {
	cfg := resolveOptions(opts)

	l := &Loop{
		id:    loopIDSeq.Add(1),
		state: newAtomicState(),
		done:  make(chan struct{}),
		log:   cfg.logger,
		cfg:   cfg,
	}
	if cfg.metricsEnabled {
		l.metrics = newMetrics(cfg.metricsNS, cfg.metricsReg)
	}
	if err := l.initIO(); err != nil {
		return nil, err
	}
	return l, nil
}

// initIO creates the poller and the wakeup pipe, registering the pipe's
// read end so any goroutine can interrupt a blocked poll.
func (l *Loop) initIO() error {
	readFD, writeFD, err := newWakePipe()
	if err != nil {
		return err
	}
	l.poller = newPoller()
	if err := l.poller.init(); err != nil {
		_ = unix.Close(readFD)
		_ = unix.Close(writeFD)
		return err
	}
	if err := l.poller.registerFD(readFD, EventRead, func(IOEvents) { l.drainWakePipe() }); err != nil {
		_ = l.poller.close()
		_ = unix.Close(readFD)
		_ = unix.Close(writeFD)
		return err
	}
	l.wakeRead, l.wakeWrite = readFD, writeFD
	return nil
}

// newWakePipe creates the self-pipe used to interrupt a blocked poll call
// from any goroutine.
func newWakePipe() (read, write int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

// State returns the loop's current lifecycle phase.
func (l *Loop) State() LoopState { return l.state.Load() }

// Stopped reports whether the loop has begun (or finished) shutting down;
// once true, submission paths fail until Reset.
func (l *Loop) Stopped() bool {
	switch l.state.Load() {
	case StateTerminating, StateTerminated:
		return true
	default:
		return false
	}
}

// Metrics returns the Gatherer holding this loop's collectors when the
// loop was built WithMetrics against no external registerer, so the caller
// can wire it into any collector themselves. It returns nil when metrics
// are disabled or were registered externally.
func (l *Loop) Metrics() prometheus.Gatherer {
	if l.metrics == nil {
		return nil
	}
	return l.metrics.gatherer
}

// onLoopThread reports whether the calling goroutine is the loop's own.
func (l *Loop) onLoopThread() bool {
	id := l.loopGoroutine.Load()
	return id != 0 && id == getGoroutineID()
}

func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

// Run starts dispatching and blocks until the loop terminates, either via
// Shutdown/Close or ctx cancellation. Calling Run from the loop's own
// goroutine (reentrantly) returns ErrReentrantRun.
func (l *Loop) Run(ctx context.Context) error {
	if l.onLoopThread() {
		return ErrReentrantRun
	}
	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}
	defer close(l.done)

	l.loopGoroutine.Store(getGoroutineID())
	defer l.loopGoroutine.Store(0)

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = l.wake()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		if err := ctx.Err(); err != nil {
			l.beginShutdown()
			l.drain()
			return err
		}
		state := l.state.Load()
		if state == StateTerminating || state == StateTerminated {
			l.drain()
			return nil
		}
		l.tick(l.cfg.defaultPollMs)
	}
}

// RunOnce performs a single dispatch cycle on the calling goroutine: due
// delayed tasks fire, the queues drain, then one poll call blocks for up
// to maxWait. It is the manual-pumping alternative to Run for callers
// embedding the loop in their own scheduler; the loop returns to
// StateAwake between calls.
func (l *Loop) RunOnce(maxWait time.Duration) error {
	if l.onLoopThread() {
		return ErrReentrantRun
	}
	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}
	l.loopGoroutine.Store(getGoroutineID())
	defer l.loopGoroutine.Store(0)

	ms := int(maxWait / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	l.tick(ms)
	if !l.state.TryTransition(StateRunning, StateAwake) {
		switch l.state.Load() {
		case StateTerminating:
			l.drain()
		case StateTerminated:
		}
	}
	return nil
}

// beginShutdown transitions towards StateTerminating from any non-terminal
// state, waking the loop if it was blocked in poll.
func (l *Loop) beginShutdown() {
	for {
		cur := l.state.Load()
		if cur == StateTerminating || cur == StateTerminated {
			return
		}
		if l.state.TryTransition(cur, StateTerminating) {
			if cur == StateSleeping {
				_ = l.wake()
			}
			return
		}
	}
}

// Shutdown requests a graceful stop: queued tasks are drained before the
// loop terminates. It blocks until termination completes or ctx expires.
func (l *Loop) Shutdown(ctx context.Context) error {
	var result error
	l.stopOnce.Do(func() {
		if l.state.TryTransition(StateAwake, StateTerminating) {
			// Not running: drain whatever was queued on this goroutine;
			// drain stores StateTerminated and closes the FDs.
			l.drain()
			close(l.done)
			return
		}
		l.beginShutdown()
		select {
		case <-l.done:
		case <-ctx.Done():
			result = ctx.Err()
		}
	})
	return result
}

// Close immediately marks the loop for termination without waiting for
// in-flight work to drain. Safe to call multiple times.
func (l *Loop) Close() error {
	l.closeOnce.Do(func() {
		if l.state.TryTransition(StateAwake, StateTerminated) {
			l.closeFDs()
			close(l.done)
			return
		}
		l.beginShutdown()
	})
	return nil
}

// Reset returns a fully terminated loop to StateAwake with fresh I/O
// plumbing so it can be Run again; submission paths resume accepting work
// once Reset returns. Resetting a loop that has not terminated returns
// ErrLoopAlreadyRunning.
func (l *Loop) Reset() error {
	if l.state.Load() != StateTerminated {
		return ErrLoopAlreadyRunning
	}
	if err := l.initIO(); err != nil {
		return err
	}
	l.wakePending.Store(false)
	l.externalMu.Lock()
	l.external = taskQueue{}
	l.externalMu.Unlock()
	l.internalMu.Lock()
	l.internal = taskQueue{}
	l.internalMu.Unlock()
	l.delayMu.Lock()
	l.delay = nil
	l.delaySeq = 0
	l.delayMu.Unlock()
	l.done = make(chan struct{})
	l.closeOnce = sync.Once{}
	l.stopOnce = sync.Once{}
	l.fdCloseOnce = sync.Once{}
	l.state.Store(StateAwake)
	return nil
}

func (l *Loop) closeFDs() {
	l.fdCloseOnce.Do(func() {
		_ = l.poller.close()
		_ = unix.Close(l.wakeRead)
		_ = unix.Close(l.wakeWrite)
	})
}

// tick is one iteration of the dispatch cycle: fire due delayed tasks,
// drain the internal queue, drain a bounded batch of the external queue,
// then poll for I/O for up to pollBudgetMs.
func (l *Loop) tick(pollBudgetMs int) {
	start := time.Now()
	l.runDelayed()
	l.drainQueue(&l.internalMu, &l.internal)
	l.drainExternalBudgeted()
	l.pollIO(pollBudgetMs)
	if l.metrics != nil {
		l.metrics.ticks.Inc()
		l.metrics.tickDuration.Observe(time.Since(start).Seconds())
		l.externalMu.Lock()
		extLen := l.external.len()
		l.externalMu.Unlock()
		l.internalMu.Lock()
		intLen := l.internal.len()
		l.internalMu.Unlock()
		l.metrics.queueDepth.Set(float64(extLen + intLen))
	}
}

func (l *Loop) drainQueue(mu *sync.Mutex, q *taskQueue) {
	for {
		mu.Lock()
		t, ok := q.pop()
		mu.Unlock()
		if !ok {
			return
		}
		l.execute(t)
	}
}

const externalBudgetPerTick = 1024

func (l *Loop) drainExternalBudgeted() {
	batch := make([]Task, 0, externalBudgetPerTick)
	l.externalMu.Lock()
	for len(batch) < externalBudgetPerTick {
		t, ok := l.external.pop()
		if !ok {
			break
		}
		batch = append(batch, t)
	}
	remaining := l.external.len()
	l.externalMu.Unlock()

	for _, t := range batch {
		l.execute(t)
	}
	if remaining > 0 && l.cfg.onOverload != nil && remaining > l.cfg.overloadBudget {
		l.cfg.onOverload(remaining)
	}
}

func (l *Loop) runDelayed() {
	for {
		now := time.Now()
		l.delayMu.Lock()
		if len(l.delay) == 0 || l.delay[0].deadline.After(now) {
			l.delayMu.Unlock()
			return
		}
		dt := heap.Pop(&l.delay).(delayedTask)
		l.delayMu.Unlock()
		l.execute(dt.task)
	}
}

func (l *Loop) pollIO(pollBudgetMs int) {
	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	l.externalMu.Lock()
	extEmpty := l.external.len() == 0
	l.externalMu.Unlock()
	l.internalMu.Lock()
	intEmpty := l.internal.len() == 0
	l.internalMu.Unlock()
	if !extEmpty || !intEmpty {
		l.state.TryTransition(StateSleeping, StateRunning)
		return
	}
	if l.state.Load() == StateTerminating {
		return
	}

	timeout := l.calculateTimeout(pollBudgetMs)
	n, err := l.poller.poll(timeout)
	if err != nil {
		if l.metrics != nil {
			l.metrics.pollErrors.Inc()
		}
		l.log.Err().Str("error", err.Error()).Log("poll failed, terminating loop")
		if l.state.TryTransition(StateSleeping, StateTerminating) {
			l.drain()
		}
		return
	}
	_ = n
	l.state.TryTransition(StateSleeping, StateRunning)
}

// calculateTimeout bounds the poll by the nearest delayed-task deadline,
// so a sleeping loop wakes just in time to fire it.
func (l *Loop) calculateTimeout(maxMs int) int {
	l.delayMu.Lock()
	hasDelay := len(l.delay) > 0
	var when time.Time
	if hasDelay {
		when = l.delay[0].deadline
	}
	l.delayMu.Unlock()

	if !hasDelay {
		return maxMs
	}
	remaining := time.Until(when)
	if remaining <= 0 {
		return 0
	}
	ms := int(remaining / time.Millisecond)
	if remaining%time.Millisecond > 0 {
		ms++
	}
	if ms > maxMs {
		ms = maxMs
	}
	return ms
}

// drain runs every remaining queued task to completion before the loop
// fully terminates, so Shutdown's "no task is lost" guarantee holds.
func (l *Loop) drain() {
	for {
		progressed := false
		for {
			l.internalMu.Lock()
			t, ok := l.internal.pop()
			l.internalMu.Unlock()
			if !ok {
				break
			}
			l.execute(t)
			progressed = true
		}
		for {
			l.externalMu.Lock()
			t, ok := l.external.pop()
			l.externalMu.Unlock()
			if !ok {
				break
			}
			l.execute(t)
			progressed = true
		}
		l.delayMu.Lock()
		delayEmpty := len(l.delay) == 0
		l.delayMu.Unlock()
		if !delayEmpty {
			l.runDelayed()
			progressed = true
		}
		if !progressed {
			break
		}
	}
	l.state.Store(StateTerminated)
	l.closeFDs()
}

// execute runs a task body under dispatchMu (so Cancel can wait it out)
// with panic recovery, skipping it entirely if its token was cancelled
// before dispatch.
func (l *Loop) execute(t Task) {
	// The token is checked under dispatchMu so that a Cancel which has
	// marked the token and then taken dispatchMu can never be followed by
	// this task running.
	l.dispatchMu.Lock()
	defer l.dispatchMu.Unlock()
	if !t.runnable() {
		if l.metrics != nil {
			l.metrics.tasksSkipped.Inc()
		}
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Err().Str("label", t.Label).Interface("panic", r).Log("task panicked")
		}
	}()
	t.Fn()
	if l.metrics != nil {
		l.metrics.tasksRun.Inc()
	}
}

// drainWakePipe empties the self-pipe; called from the loop's own
// goroutine as a poller callback.
func (l *Loop) drainWakePipe() {
	for {
		if _, err := unix.Read(l.wakeRead, l.wakeBuf[:]); err != nil {
			break
		}
	}
	l.wakePending.Store(false)
}

// Wakeup forces the current blocking poll to return promptly. Safe to call
// from any goroutine; a no-op when the loop is not sleeping in poll.
func (l *Loop) Wakeup() error {
	return l.wake()
}

// wake interrupts a blocked poll call; safe to call from any goroutine,
// including concurrently.
func (l *Loop) wake() error {
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	if !l.wakePending.CompareAndSwap(false, true) {
		return nil
	}
	one := uint64(1)
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, err := unix.Write(l.wakeWrite, buf)
	return err
}

func (l *Loop) acceptingWork() bool {
	switch l.state.Load() {
	case StateTerminating, StateTerminated:
		return false
	default:
		return true
	}
}

// Post enqueues task to run on the loop's own goroutine on a future tick;
// it never runs synchronously within the caller's own call frame, even
// when called from the loop thread.
func (l *Loop) Post(task Task) error {
	if !l.acceptingWork() {
		return l.submitError()
	}
	l.externalMu.Lock()
	if !l.acceptingWork() {
		l.externalMu.Unlock()
		return l.submitError()
	}
	l.external.push(task)
	l.externalMu.Unlock()
	if l.state.Load() == StateSleeping {
		_ = l.wake()
	}
	return nil
}

func (l *Loop) submitError() error {
	if l.state.Load() == StateTerminating {
		return ErrLoopTerminating
	}
	return ErrLoopTerminated
}

// Async behaves like Post, except that when called from the loop's own
// goroutine the task is pushed to the internal (priority) queue instead.
// The internal queue is drained before the external batch: a task pushed
// from a delayed or internal task runs later in the same tick, one pushed
// from an external (Post-ed) task runs at the start of the next tick, with
// no poll wait in between.
func (l *Loop) Async(task Task) error {
	if !l.acceptingWork() {
		return l.submitError()
	}
	if l.onLoopThread() {
		l.internalMu.Lock()
		l.internal.push(task)
		l.internalMu.Unlock()
		return nil
	}
	return l.Post(task)
}

// PostDelayed enqueues task to run once at least delay has elapsed.
func (l *Loop) PostDelayed(delay time.Duration, task Task) error {
	if !l.acceptingWork() {
		return l.submitError()
	}
	when := time.Now().Add(delay)
	l.delayMu.Lock()
	l.delaySeq++
	heap.Push(&l.delay, delayedTask{deadline: when, seq: l.delaySeq, task: task})
	l.delayMu.Unlock()
	if l.state.Load() == StateSleeping {
		_ = l.wake()
	}
	return nil
}

// Sync runs task on the loop's own goroutine and blocks until it
// completes. If called from the loop's own goroutine, it runs inline
// immediately instead of deadlocking. Tokens are irrelevant for Sync: the
// submitter is present for the whole call, so the task always runs.
func (l *Loop) Sync(task Task) error {
	if l.onLoopThread() {
		// The calling task already holds dispatchMu (or is an I/O
		// callback); run directly rather than re-acquiring it.
		if task.Fn != nil {
			task.Fn()
		}
		return nil
	}
	doneCh := make(chan struct{})
	fn := task.Fn
	wrapped := Task{
		Label: task.Label,
		Fn: func() {
			defer close(doneCh)
			if fn != nil {
				fn()
			}
		},
	}
	if err := l.Post(wrapped); err != nil {
		return err
	}
	select {
	case <-doneCh:
		return nil
	case <-l.done:
		// Shutdown drains queued tasks before closing done, so the usual
		// outcome here is that wrapped already ran; only a loop torn down
		// before ever running leaves it behind.
		select {
		case <-doneCh:
			return nil
		default:
			return ErrLoopTerminated
		}
	}
}

// RegisterFD registers fd for the given events; cb runs on the loop's own
// goroutine whenever fd becomes ready.
func (l *Loop) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	return l.poller.registerFD(fd, events, cb)
}

// UnregisterFD stops monitoring fd, optionally closing it once removed.
// When closeFD is false, callers must ensure fd is not closed until any
// in-flight callback for it has returned.
func (l *Loop) UnregisterFD(fd int, closeFD bool) error {
	err := l.poller.unregisterFD(fd)
	if closeFD {
		if cerr := unix.Close(fd); err == nil {
			err = cerr
		}
	}
	return err
}

// ModifyFD changes the set of events monitored for fd.
func (l *Loop) ModifyFD(fd int, events IOEvents) error {
	return l.poller.modifyFD(fd, events)
}
