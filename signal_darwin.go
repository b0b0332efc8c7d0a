//go:build darwin

package eventcore

import (
	"os"
	"syscall"
)

// deadlySignals lists the signals SignalWatcher converts into events.
// darwin has no SIGPWR.
var deadlySignals = []os.Signal{syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT}
