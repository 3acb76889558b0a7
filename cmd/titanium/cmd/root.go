// Package cmd provides the CLI commands for Titanium Web Proxy.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "titanium",
	Short: "Titanium Web Proxy - intercepting HTTP proxy",
	Long: `Titanium Web Proxy is an intercepting HTTP/HTTPS forward proxy.

It accepts explicit proxy traffic, runs each exchange through an
interception rule chain, and records every exchange as a flow you can
query while the proxy runs. With TLS inspection enabled it terminates
CONNECT tunnels using a locally generated CA and intercepts the HTTPS
exchanges inside.

Quick start:
  1. Run: titanium start
  2. Point a client at it: curl -x http://127.0.0.1:8080 http://example.com/

Configuration:
  Config is loaded from titanium.yaml in the current directory,
  $HOME/.titanium/, or /etc/titanium/.

  Environment variables can override config values with the TITANIUM_ prefix.
  Example: TITANIUM_PROXY_ADDR=0.0.0.0:8080

Commands:
  start       Start the proxy
  stop        Stop the running proxy
  rules       Validate or scaffold an interception rules file
  hash-key    Hash a secret for the auth config
  trust-ca    Add/remove the interception CA in the OS trust store
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./titanium.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// loadConfigLenient returns the validated config, or a defaults-only one
// when loading fails. Commands that only need paths out of it (stop,
// trust-ca) should not refuse to run over an unrelated config error.
func loadConfigLenient() *config.Config {
	cfg, err := config.LoadConfig()
	if err == nil {
		return cfg
	}
	cfg = &config.Config{}
	cfg.SetDefaults()
	return cfg
}

// cliLogger returns a stderr logger for one-shot commands. Warnings only;
// the command's own output carries the conversation.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}
