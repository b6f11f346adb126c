package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrator/internal/server/endpoints"
)

var serverURL string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Commands that call the running server",
	Long: `API commands call the running Narrator server via HTTP.

These commands require a running server (narrator serve).
Use --server to specify a custom server URL.

Examples:
  narrator api health                  # Check server health
  narrator api job-list                # List all jobs
  narrator api job-get <id>            # Get a specific job
  narrator api job-create --type text_to_audio --job-config '{"content":"Hi."}'`,
}

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func init() {
	// Add --server flag to api command (persistent so all subcommands inherit it)
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://localhost:8080", "Server URL",
	)

	for _, ep := range endpoints.All() {
		apiCmd.AddCommand(ep.Command(getServerURL))
	}

	rootCmd.AddCommand(apiCmd)
}
