package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Stamped by -ldflags on release builds; the defaults mark a local
// development build.
var (
	Version   = "0.1.0-dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit, and build date of titanium.`,
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("titanium %s\n", Version)
		fmt.Printf("  commit:  %s\n", Commit)
		fmt.Printf("  built:   %s\n", BuildDate)
		fmt.Printf("  runtime: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
