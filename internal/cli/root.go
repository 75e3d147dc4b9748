// Package cli defines the ccbridge command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ccbridge",
	Short: "Local proxy bridging a coding agent to an OpenAI-compatible model API",
	Long: `ccbridge sits between a local coding agent and a remote model API,
translating the agent's structured message protocol to and from the
upstream chat-completions protocol, including streamed reasoning,
tool calls, and thinking signatures.`,
	// Running without a subcommand starts the proxy, since that is the
	// only thing launchers do.
	RunE: func(c *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
