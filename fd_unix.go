//go:build linux || darwin

package eventcore

import (
	"errors"

	"golang.org/x/sys/unix"
)

func closeFD(fd int) error {
	return unix.Close(fd)
}

func readFD(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

func writeFD(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}

// setNonblocking puts fd in non-blocking mode, required before handing it
// to a Handle: reads/writes must return EAGAIN rather than blocking the
// loop goroutine.
func setNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}

// SetNonblocking is the exported form of setNonblocking, for callers (such
// as the process supervisor) that extract a raw descriptor from an *os.File
// obtained from os/exec or a pty master: *os.File.Fd() always restores
// blocking mode before returning the descriptor, so this must be called
// again before the fd is wrapped in a [Handle].
func SetNonblocking(fd int) error {
	return setNonblocking(fd)
}

// isWouldBlock reports whether err is the "no data/space available right
// now" signal a non-blocking read/write gives instead of blocking.
func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
