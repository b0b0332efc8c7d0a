//go:build linux || darwin

package eventcore

import (
	"os"
	"os/signal"
	"syscall"
)

// SignalWatcher converts the platform's deadlySignals (see signal_linux.go,
// signal_darwin.go) into events on the loop's fast queue, invoking onDeadly
// on the loop goroutine unless the loop's "reject deadly signals" flag is
// armed at dispatch time, in which case the signal is silently dropped for
// a critical section to finish undisturbed. SIGPIPE is ignored outright; a
// write to a closed pipe is reported through the writable stream's error
// path instead.
type SignalWatcher struct {
	loop     *Loop
	queue    *Queue
	ch       chan os.Signal
	done     chan struct{}
	onDeadly func(os.Signal)
}

// NewSignalWatcher arms the watcher and starts its delivery goroutine.
func NewSignalWatcher(l *Loop, onDeadly func(os.Signal)) *SignalWatcher {
	w := &SignalWatcher{
		loop:     l,
		queue:    l.FastQueue(),
		ch:       make(chan os.Signal, 8),
		done:     make(chan struct{}),
		onDeadly: onDeadly,
	}
	signal.Ignore(syscall.SIGPIPE)
	signal.Notify(w.ch, deadlySignals...)
	go w.run()
	return w
}

// Queue returns the loop's fast queue, the one signal events are posted
// to: signals always get dispatched by PollEvents, never held back
// pending deferred-processing opt-in.
func (w *SignalWatcher) Queue() *Queue { return w.queue }

func (w *SignalWatcher) run() {
	for {
		select {
		case sig, ok := <-w.ch:
			if !ok {
				return
			}
			received := sig
			w.queue.Push(NewEvent(func() {
				if w.loop.rejectDeadlySignals() {
					return
				}
				if w.onDeadly != nil {
					w.onDeadly(received)
				}
			}))
		case <-w.done:
			return
		}
	}
}

// Close stops signal delivery. Safe to call more than once.
func (w *SignalWatcher) Close() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	signal.Stop(w.ch)
}
