// Package cmd contains the CLI commands for multi-codex-proxy.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "dev"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "multi-codex-proxy",
	Short: "An OpenAI-compatible proxy backed by a pool of Codex accounts",
	Long: `Multi-Codex-Proxy is a proxy server that exposes an OpenAI-compatible API
backed by multiple ChatGPT Codex accounts.

Requests are scheduled across the account pool so that rate limits on one
account fail over to another, with automatic OAuth token refresh.`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
}
