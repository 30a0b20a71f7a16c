// Command relaycast-host is the streaming host: it owns the
// capture/encode pipeline (spec §4) and the connection to exactly one
// viewer (spec §6), and optionally exposes a Prometheus /metrics
// endpoint alongside a rate-limited /healthz. Structured as a cobra
// command tree following the teacher's agent binary (rootCmd plus a
// handful of leaf subcommands, a persistent --config flag, graceful
// shutdown on SIGINT/SIGTERM).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "relaycast-host",
	Short: "relaycast streaming host",
	Long:  "relaycast-host captures a desktop, encodes it, and streams it to a single connected viewer.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start capturing and streaming until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the relaycast-host version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to relaycast.yaml (default: searches /etc/relaycast, $PWD)")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
