//go:build !windows

package cmd

import (
	"os"
	"syscall"
)

// gracefulSignals lists what triggers a clean shutdown: SIGINT from
// the terminal, SIGTERM from kill or titanium stop.
func gracefulSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// processIsAlive probes the process with the null signal.
func processIsAlive(proc *os.Process) bool {
	return proc.Signal(syscall.Signal(0)) == nil
}

// sendGracefulStop asks the process to drain and exit.
func sendGracefulStop(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}
