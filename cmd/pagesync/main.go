// Package main is the entry point for the pagesync CLI.
//
// PageSync can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	pagesync serve -c pagesync.yaml    # Start syncing and serve the dashboard
//	pagesync validate -c pagesync.yaml # Validate configuration
//	pagesync version                   # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd only displays help; functionality lives in subcommands.
var rootCmd = &cobra.Command{
	Use:   "pagesync",
	Short: "Keep page fragments in sync with server state",
	Long: `PageSync keeps fragments of a page in sync with server state.

Each task periodically invokes a named read-only operation and applies the
result to its fragment, adapting its interval to the server's latency. An
optional long-poll client receives pushed events. Fragments and events are
streamed to a local dashboard over Server-Sent Events.

Quick start:
  1. Create a config file (pagesync.yaml)
  2. Run: pagesync serve -c pagesync.yaml
  3. Open http://localhost:8080 in your browser

Example config:
  port: 8080
  tasks:
    - name: builds
      uri: https://example.com/~owner/+archive/ppa
      operation: getBuildSummaries
      interval: 5s`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this pagesync binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "pagesync %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
