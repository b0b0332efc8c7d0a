// Package eventcore: platform reactor backends.
//
// RegisterFD, UnregisterFD, ModifyFD and PollIO on [FastPoller] are
// implemented per platform:
//   - poller_linux.go (epoll)
//   - poller_darwin.go (kqueue)
//
// Always call UnregisterFD before closing a file descriptor, to avoid
// stale event delivery from fd recycling.
package eventcore
