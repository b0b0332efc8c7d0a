package eventcore

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrLoopClosed is returned by operations attempted after Close has
	// completed.
	ErrLoopClosed = errors.New("eventcore: loop is closed")
)

// Loop is the reactor: a poll-with-timeout epoll/kqueue driver plus the
// parent event queue every producer's child queue mirrors into. Everything
// reachable only through the loop goroutine (timers, the process table,
// stream ring buffers) must only be touched from that one goroutine;
// Queue.Push is the only thread-safe entry point for producers elsewhere.
type Loop struct {
	cfg *loopConfig

	parent   *Queue
	fast     *Queue // fast events: stream/process completions
	deferred *Queue // deferred events: surfaced only when enabled

	poller      FastPoller
	wakeReadFD  int
	wakeWriteFD int

	state *fastState

	timers   timerHeap
	timerSeq uint64

	closeOnce sync.Once
	closeErr  error

	ownedHandles map[*handleEntry]struct{}

	metrics *Metrics
}

// Metrics returns the loop's counters, or nil if WithMetrics was not
// enabled at construction.
func (l *Loop) Metrics() *Metrics { return l.metrics }

type handleEntry struct {
	close func() error
}

// NewLoop constructs a Loop: the reactor, its parent/fast/deferred queue
// family, the timer heap, and the wake handle used to interrupt a blocked
// poll from another goroutine. Corresponds to the loop driver's init.
func NewLoop(opts ...LoopOption) (*Loop, error) {
	cfg := resolveLoopOptions(opts)

	readFD, writeFD, err := createWakeFd()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		cfg:          cfg,
		parent:       NewParentQueue(),
		state:        newFastState(),
		wakeReadFD:   readFD,
		wakeWriteFD:  writeFD,
		ownedHandles: make(map[*handleEntry]struct{}),
	}
	if cfg.metricsEnabled {
		l.metrics = &Metrics{}
	}
	l.fast = l.NewChildQueue()
	l.deferred = l.NewChildQueue()

	if err := l.poller.Init(); err != nil {
		closeWakeFd(readFD, writeFD)
		return nil, err
	}
	if err := l.poller.RegisterFD(readFD, EventRead, func(IOEvents) {
		drainWakeFd(readFD)
	}); err != nil {
		l.poller.Close()
		closeWakeFd(readFD, writeFD)
		return nil, err
	}

	return l, nil
}

// NewChildQueue creates a child of the loop's parent queue, pre-wired to
// interrupt a blocked reactor poll on every push. RPC channels each get
// their own; streams, the process supervisor, and the signal watcher post
// to the shared FastQueue instead. PollEvents drains only the fast and
// deferred queues, so a queue created here is drained by focus-polling it
// (Poll, or ProcessEventsUntil).
func (l *Loop) NewChildQueue() *Queue {
	q := NewChildQueue(l.parent)
	q.SetWakeFunc(l.Stop)
	return q
}

// FastQueue returns the loop's queue for stream/process completion events,
// always drained by PollEvents.
func (l *Loop) FastQueue() *Queue { return l.fast }

// DeferredQueue returns the loop's queue for editor-visible events, drained
// by PollEvents only while deferred processing is enabled.
func (l *Loop) DeferredQueue() *Queue { return l.deferred }

// SetDeferredProcessing toggles whether PollEvents drains the deferred
// queue, matching the editor-controlled enable/disable described for
// deferred events.
func (l *Loop) SetDeferredProcessing(enabled bool) { l.cfg.deferredProcessingEnabled = enabled }

// SetRejectDeadlySignals arms or disarms delivery of the signal watcher's
// preserve-and-exit path during a critical section.
func (l *Loop) SetRejectDeadlySignals(reject bool) { l.cfg.rejectDeadlySignals = reject }

func (l *Loop) rejectDeadlySignals() bool { return l.cfg.rejectDeadlySignals }

// PollEvents runs the reactor for one pass and drains the fast (and,
// if enabled, deferred) queue. ms > 0 bounds the wait; ms == 0 never
// blocks; ms < 0 blocks until an event or a wake arrives. PollEvents must
// not be re-entered from within a callback it invokes; doing so is a
// contract violation and panics with a *FatalError.
func (l *Loop) PollEvents(ms int) error {
	if l.state.IsClosed() {
		return ErrLoopClosed
	}
	if !l.state.TryTransition(LoopIdle, LoopPolling) {
		panic(&FatalError{Message: "poll_events: reactor re-entry"})
	}
	defer l.state.Store(LoopIdle)

	if err := l.pollReactorOnce(ms); err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.Ticks.Add(1)
		l.metrics.EventsFast.Add(uint64(l.drainQueue(l.fast)))
		if l.cfg.deferredProcessingEnabled {
			l.metrics.EventsDeferred.Add(uint64(l.drainQueue(l.deferred)))
		}
		return nil
	}
	l.drainQueue(l.fast)
	if l.cfg.deferredProcessingEnabled {
		l.drainQueue(l.deferred)
	}
	return nil
}

// pollReactorOnce runs a single bounded reactor pass and then fires any
// timers now due. The effective wait is capped by the nearest timer
// deadline so timers still fire promptly even under ms < 0.
func (l *Loop) pollReactorOnce(timeoutMs int) error {
	effective := timeoutMs
	if deadline, ok := l.nextTimerDeadline(); ok {
		remainMs := int(time.Until(deadline) / time.Millisecond)
		if remainMs < 0 {
			remainMs = 0
		}
		if timeoutMs < 0 || remainMs < timeoutMs {
			effective = remainMs
		}
	}

	if _, err := l.poller.PollIO(effective); err != nil {
		return err
	}
	l.runDueTimers(time.Now())
	return nil
}

func (l *Loop) drainQueue(q *Queue) int {
	n := 0
	for {
		ev, ok := q.Poll(0)
		if !ok {
			return n
		}
		ev.Invoke()
		n++
	}
}

// Stop requests that a blocked PollEvents call return as soon as possible.
// Safe to call from any goroutine; used by Queue pushes to interrupt a
// reactor sitting in a ms < 0 wait the instant new work arrives.
func (l *Loop) Stop() {
	signalWakeFd(l.wakeWriteFD)
}

// ProcessEventsUntil drains the fast queue (stream/process completions
// always flow, focused wait or not) and queue itself, but no other child
// queue, until predicate returns true or ctx is done. Short reactor
// passes are interleaved so raw I/O elsewhere in the system keeps making
// progress; any OTHER producer's own decoded, per-producer events (an RPC
// channel not being waited on, say) accumulate in that producer's queue
// undispatched until a later, unfiltered drain of it. This is the
// mechanism behind a focused synchronous RPC call: queue is the calling
// channel's own queue, so only its decoded frames are dispatched while
// the wait is in progress.
func (l *Loop) ProcessEventsUntil(ctx context.Context, queue *Queue, predicate func() bool) error {
	if predicate() {
		return nil
	}
	for {
		const sliceMs = 20
		timeoutMs := sliceMs
		if deadline, ok := ctx.Deadline(); ok {
			remainMs := int(time.Until(deadline) / time.Millisecond)
			if remainMs <= 0 {
				return context.DeadlineExceeded
			}
			if remainMs < timeoutMs {
				timeoutMs = remainMs
			}
		}

		if err := l.pollReactorOnce(timeoutMs); err != nil {
			return err
		}
		l.drainQueue(l.fast)
		for {
			ev, ok := queue.Poll(0)
			if !ok {
				break
			}
			ev.Invoke()
			if predicate() {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// trackHandle registers a close func invoked by Close, and returns a
// token to untrack it once the handle closes on its own.
func (l *Loop) trackHandle(close func() error) *handleEntry {
	e := &handleEntry{close: close}
	l.ownedHandles[e] = struct{}{}
	return e
}

func (l *Loop) untrackHandle(e *handleEntry) {
	delete(l.ownedHandles, e)
}

// Close closes every owned handle and the reactor itself. Idempotent:
// calling Close again after the first call is a no-op.
func (l *Loop) Close() error {
	l.closeOnce.Do(func() {
		l.state.Store(LoopClosing)
		for e := range l.ownedHandles {
			if e.close != nil {
				_ = e.close()
			}
		}
		l.ownedHandles = nil

		if err := l.poller.UnregisterFD(l.wakeReadFD); err != nil && !errors.Is(err, ErrFDNotRegistered) {
			l.closeErr = err
		}
		if err := l.poller.Close(); err != nil && l.closeErr == nil {
			l.closeErr = err
		}
		if err := closeWakeFd(l.wakeReadFD, l.wakeWriteFD); err != nil && l.closeErr == nil {
			l.closeErr = err
		}
		l.state.Store(LoopClosed)
	})
	return l.closeErr
}

// Closed reports whether Close has completed.
func (l *Loop) Closed() bool { return l.state.IsClosed() }
