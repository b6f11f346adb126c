package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrator/internal/api"
	"github.com/jackzampolin/narrator/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "narrator",
	Short: "Job orchestration engine that turns text into audio",
	Long: `Narrator converts text content into audio through an orchestrated
job pipeline.

Single documents run as text_to_audio jobs: the text is chunked at
sentence boundaries, synthesized chunk by chunk, and concatenated into
one audio file. Whole books run as book_processing jobs: the book is
split into chapters and each chapter becomes an independent child job
under a bounded worker pool, so a single bad chapter never takes down
the rest of the book. Listeners resume playback exactly where they
left off.`,
	Version: version.GitRelease,
}

func init() {
	// API keys commonly live in a local .env during development.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.narrator/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "narrator home directory (default: ~/.narrator)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
}
