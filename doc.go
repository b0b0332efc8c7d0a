// Package eventcore implements the asynchronous core of an embeddable text
// editor: a poll-with-timeout reactor loop, a parent/child event queue
// hierarchy, ring-buffer-backed readable/writable streams over a unified I/O
// handle abstraction, and the timer/signal machinery the process supervisor
// and RPC channel layer (see the eventcore/process and eventcore/rpc
// subpackages) build on.
//
// # Architecture
//
// All editor-visible state is read and written from exactly one goroutine,
// the loop goroutine. Work produced elsewhere (a child process reaping, a
// readable stream's OS-level read completing, a signal arriving) is
// converted into an [Event] and pushed onto a child [Queue]: the loop's
// shared fast queue for streams, the process supervisor and the signal
// watcher, or a producer's own queue for an RPC channel. Timer callbacks
// run directly inside the reactor pass, not as queued events.
// [Loop.PollEvents] drains the fast queue and, while deferred processing
// is enabled, the deferred queue; it does not drain the parent queue as a
// whole, so events on any other child queue are dispatched only when that
// queue is focus-polled (via [Loop.ProcessEventsUntil] with a queue
// filter, or Poll on the queue itself), e.g. while blocked in a
// synchronous RPC call.
//
// # Platform support
//
// The reactor backend is epoll on Linux and kqueue on Darwin/BSD. A Windows
// IOCP backend is not implemented in this pass.
//
// # Thread safety
//
// [Queue.Push] and [Queue.PushCallback] are safe to call from any goroutine.
// Everything reachable only through the loop goroutine (ring buffers,
// streams, the process table) is not safe for concurrent use from
// multiple goroutines.
package eventcore
