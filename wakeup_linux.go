//go:build linux

package eventcore

import "golang.org/x/sys/unix"

const (
	efdCloexec  = unix.EFD_CLOEXEC
	efdNonblock = unix.EFD_NONBLOCK
)

// createWakeFd creates an eventfd used to interrupt a blocked epoll_wait
// when a cross-thread producer pushes onto the parent queue. The same fd
// serves as both read and write end.
func createWakeFd() (readFd, writeFd int, err error) {
	fd, err := unix.Eventfd(0, efdCloexec|efdNonblock)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}

func closeWakeFd(wakeFd, _ int) error {
	if wakeFd >= 0 {
		return unix.Close(wakeFd)
	}
	return nil
}

// drainWakeFd consumes all pending wake notifications on fd.
func drainWakeFd(fd int) {
	if fd < 0 {
		return
	}
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

// signalWakeFd posts one wake notification to fd.
func signalWakeFd(fd int) error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(fd, buf[:])
	return err
}
