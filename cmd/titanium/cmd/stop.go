package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/outbound/state"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running proxy",
	Long: `Stop a running Titanium proxy.

The proxy records its pid and addresses in a runtime state file under
the data dir on start. stop reads that record, signals the process to
drain, and waits for it to exit.

Examples:
  # Stop the running proxy
  titanium stop`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg := loadConfigLenient()
	store := state.NewFileStore(cfg.StateFile(), cliLogger())

	st, err := store.Load()
	if errors.Is(err, state.ErrNoState) {
		return fmt.Errorf("no running proxy recorded at %s\nIs the proxy running?", store.Path())
	}
	if err != nil {
		return fmt.Errorf("read runtime state: %w", err)
	}

	proc, err := os.FindProcess(st.PID)
	if err != nil {
		_ = store.Clear()
		return fmt.Errorf("invalid pid %d: %w", st.PID, err)
	}
	if !processIsAlive(proc) {
		_ = store.Clear()
		return fmt.Errorf("proxy process %d is not running (stale state cleared)", st.PID)
	}

	fmt.Fprintf(os.Stderr, "Stopping titanium (pid %d, proxy %s)...\n", st.PID, st.ProxyAddr)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("signal proxy: %w", err)
	}

	// The proxy clears its own state record on a clean exit, so poll the
	// process, not the file. 200ms x 50 bounds the wait at 10s.
	for i := 0; i < 50; i++ {
		time.Sleep(200 * time.Millisecond)
		if !processIsAlive(proc) {
			fmt.Fprintln(os.Stderr, "Stopped.")
			return nil
		}
	}

	fmt.Fprintln(os.Stderr, "Proxy did not stop gracefully, killing...")
	_ = proc.Kill()
	_ = store.Clear()
	fmt.Fprintln(os.Stderr, "Killed.")
	return nil
}
