//go:build darwin

package eventcore

import "golang.org/x/sys/unix"

// createWakeFd creates a self-pipe used to interrupt a blocked kevent wait
// when a cross-thread producer pushes onto the parent queue. kqueue has no
// eventfd equivalent, so Darwin falls back to the classic self-pipe trick.
func createWakeFd() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func closeWakeFd(readFd, writeFd int) error {
	if readFd >= 0 {
		unix.Close(readFd)
	}
	if writeFd >= 0 && writeFd != readFd {
		unix.Close(writeFd)
	}
	return nil
}

// drainWakeFd consumes all pending wake bytes on fd.
func drainWakeFd(fd int) {
	if fd < 0 {
		return
	}
	var buf [64]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

// signalWakeFd posts one wake byte to fd.
func signalWakeFd(fd int) error {
	_, err := unix.Write(fd, []byte{1})
	return err
}
