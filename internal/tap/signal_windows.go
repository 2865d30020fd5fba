//go:build windows

package tap

import (
	"os"
	"os/signal"
	"syscall"
)

// SignalNotify wires ch to the platform's graceful-shutdown signals,
// matching the teacher's own signal_unix.go/signal_windows.go split.
func SignalNotify(ch chan<- os.Signal) {
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
}
