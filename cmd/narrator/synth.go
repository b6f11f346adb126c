package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrator/internal/config"
	"github.com/jackzampolin/narrator/internal/ingest"
	"github.com/jackzampolin/narrator/internal/jobs"
	"github.com/jackzampolin/narrator/internal/objectstore"
	"github.com/jackzampolin/narrator/internal/pipeline"
	"github.com/jackzampolin/narrator/internal/providers"
	"github.com/jackzampolin/narrator/internal/store"
)

var (
	synthProvider string
	synthVoice    string
	synthFormat   string
	synthOut      string
)

var synthCmd = &cobra.Command{
	Use:   "synth <file>",
	Short: "Synthesize a text file to audio without a server",
	Long: `Synthesize a single text file to audio in-process.

This runs the full text_to_audio pipeline (chunk, synthesize,
concatenate, persist) against a throwaway local store and writes the
resulting audio file next to the input. Use "-" to read from stdin.

Examples:
  narrator synth chapter.txt
  narrator synth chapter.txt --voice nova --format wav
  cat notes.txt | narrator synth - --out notes.mp3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var (
			text []byte
			err  error
		)
		if args[0] == "-" {
			text, err = io.ReadAll(os.Stdin)
		} else {
			text, err = os.ReadFile(args[0])
		}
		if err != nil {
			return err
		}

		mgr, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		cfg := mgr.Get()
		logger := buildLogger(cfg.Logging)

		st, err := store.Open(ctx, ":memory:", logger)
		if err != nil {
			return err
		}
		defer st.Close()

		machine := jobs.NewMachine(jobs.MachineConfig{Store: st, Logger: logger})
		registry := providers.NewRegistry(cfg.ToProviderRegistryConfig(), logger)

		workDir, err := os.MkdirTemp("", "narrator-synth-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(workDir)

		// Throwaway store; presigned URLs are never handed out here.
		objects, err := objectstore.NewFS(workDir, "http://localhost", []byte("synth-local"), logger)
		if err != nil {
			return err
		}

		runner := pipeline.New(pipeline.Config{
			Machine:      machine,
			Resolver:     ingest.NewResolver(objects, logger),
			Registry:     registry,
			Objects:      objects,
			Logger:       logger,
			SynthWorkers: cfg.Engine.SynthWorkers,
		})

		provider := synthProvider
		if provider == "" {
			provider = cfg.Defaults.TTSProvider
		}
		jobCfg, err := json.Marshal(jobs.TextToAudioConfig{
			ContentSource: jobs.ContentSource{Content: string(text)},
			Voice: jobs.VoiceConfig{
				Provider: provider,
				Voice:    synthVoice,
				Format:   synthFormat,
			},
		})
		if err != nil {
			return err
		}

		job, err := machine.Create(ctx, jobs.CreateParams{
			Type:   jobs.JobTypeTextToAudio,
			Config: jobCfg,
		})
		if err != nil {
			return err
		}

		if err := runner.Run(ctx, job); err != nil {
			return err
		}

		done, err := machine.Get(ctx, job.ID)
		if err != nil {
			return err
		}
		if done.Status != jobs.StatusCompleted {
			return fmt.Errorf("synthesis %s: %s", done.Status, done.ErrorMessage)
		}

		out := synthOut
		if out == "" {
			out = "output." + done.Result.Format
		}
		data, err := objects.Get(ctx, done.Result.FileKey)
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}

		fmt.Printf("Wrote %s (%.1fs, %d chunks)\n", out, done.Result.DurationSeconds, done.Result.ChunkCount)
		return nil
	},
}

func init() {
	synthCmd.Flags().StringVar(&synthProvider, "provider", "", "TTS provider name (default from config)")
	synthCmd.Flags().StringVar(&synthVoice, "voice", "", "voice name (provider default if empty)")
	synthCmd.Flags().StringVar(&synthFormat, "format", "mp3", "audio format: mp3 or wav")
	synthCmd.Flags().StringVar(&synthOut, "out", "", "output file (default: output.<format>)")

	rootCmd.AddCommand(synthCmd)
}
