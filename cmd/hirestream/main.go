package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hirestream",
		Short: "Realtime application status stream for the recruiting app",
		Long: `hirestream keeps one authenticated WebSocket open to the application
server, routes the events it receives to subscribers and journals
application status changes.

The connection only opens while a valid access token is present. It
retries with linear backoff and disables itself after repeated failures
until an operator calls POST /reconnect.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		runCmd(),
		tailCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
