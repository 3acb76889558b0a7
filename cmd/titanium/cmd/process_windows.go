//go:build windows

package cmd

import (
	"os"

	"golang.org/x/sys/windows"
)

// gracefulSignals lists what triggers a clean shutdown. Windows
// reliably delivers only os.Interrupt; SIGTERM does not exist there.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// processIsAlive opens the process and reads its exit code; 259
// (STILL_ACTIVE) means it has not exited.
func processIsAlive(proc *os.Process) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(proc.Pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	return exitCode == 259
}

// sendGracefulStop stops the process. With no SIGTERM on Windows,
// Kill (TerminateProcess) is the only lever.
func sendGracefulStop(proc *os.Process) error {
	return proc.Kill()
}
