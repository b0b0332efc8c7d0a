//go:build linux

package eventcore

import (
	"os"
	"syscall"
)

// deadlySignals lists the signals SignalWatcher converts into events.
// SIGPWR (power failure imminent) exists only on Linux; it has no
// equivalent in golang.org/x/sys or the standard syscall package on
// darwin, so it is kept out of the shared list in signal.go.
var deadlySignals = []os.Signal{syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGPWR}
