package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrator/internal/config"
	"github.com/jackzampolin/narrator/internal/coordinator"
	"github.com/jackzampolin/narrator/internal/engine"
	"github.com/jackzampolin/narrator/internal/home"
	"github.com/jackzampolin/narrator/internal/ingest"
	"github.com/jackzampolin/narrator/internal/jobs"
	"github.com/jackzampolin/narrator/internal/objectstore"
	"github.com/jackzampolin/narrator/internal/pipeline"
	"github.com/jackzampolin/narrator/internal/playback"
	"github.com/jackzampolin/narrator/internal/providers"
	"github.com/jackzampolin/narrator/internal/queue"
	"github.com/jackzampolin/narrator/internal/server"
	"github.com/jackzampolin/narrator/internal/splitter"
	"github.com/jackzampolin/narrator/internal/store"
	"github.com/jackzampolin/narrator/internal/svcctx"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Narrator server",
	Long: `Start the Narrator server.

This runs the HTTP API, the job engine workers, and (with the default
memory queue) the in-process job queue. Interrupted jobs found in the
store are re-enqueued on startup.

Examples:
  narrator serve                    # Start on default port 8080
  narrator serve --port 3000        # Start on custom port
  narrator serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		mgr, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		cfg := mgr.Get()

		logger := buildLogger(cfg.Logging)

		if serveHost != "" {
			cfg.Server.Host = serveHost
		}
		if servePort != "" {
			cfg.Server.Port = servePort
		}

		st, err := store.Open(ctx, databasePath(cfg, h), logger)
		if err != nil {
			return err
		}
		defer st.Close()

		machine := jobs.NewMachine(jobs.MachineConfig{Store: st, Logger: logger})

		objects, err := buildObjectStore(cfg, h, logger)
		if err != nil {
			return err
		}

		registry := providers.NewRegistry(cfg.ToProviderRegistryConfig(), logger)
		mgr.OnChange(func(c *config.Config) {
			registry.Reload(c.ToProviderRegistryConfig())
			logger.Info("provider registry reloaded from config")
		})
		mgr.WatchConfig()

		q, err := buildQueue(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer q.Close()

		resolver := ingest.NewResolver(objects, logger)
		split := splitter.New(registry.LLM(cfg.Defaults.LLMProvider), logger)

		runner := pipeline.New(pipeline.Config{
			Machine:      machine,
			Resolver:     resolver,
			Registry:     registry,
			Objects:      objects,
			Logger:       logger,
			SynthWorkers: cfg.Engine.SynthWorkers,
		})
		coord := coordinator.New(coordinator.Config{
			Machine:  machine,
			Resolver: resolver,
			Splitter: split,
			Children: runner,
			Logger:   logger,
		})

		eng := engine.New(engine.Config{
			Machine: machine,
			Queue:   q,
			Resume:  st,
			Workers: cfg.Engine.Workers,
			Logger:  logger,
		})
		eng.Register(jobs.JobTypeTextToAudio, runner)
		eng.Register(jobs.JobTypeBookProcessing, coord)

		if err := eng.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := eng.Stop(stopCtx); err != nil {
				logger.Error("engine drain incomplete", "error", err)
			}
		}()

		tracker := playback.NewTracker(st, st, logger)

		srv, err := server.New(server.Config{
			Host: cfg.Server.Host,
			Port: cfg.Server.Port,
			Services: &svcctx.Services{
				Store:     st,
				Machine:   machine,
				Engine:    eng,
				Registry:  registry,
				Objects:   objects,
				Files:     objects,
				Tracker:   tracker,
				ConfigMgr: mgr,
				Home:      h,
				Logger:    logger,
			},
			Logger: logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

// buildLogger constructs the slog root from logging config.
func buildLogger(cfg config.LoggingCfg) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func databasePath(cfg *config.Config, h *home.Dir) string {
	if cfg.Storage.DatabasePath != "" {
		return cfg.Storage.DatabasePath
	}
	return h.DatabasePath()
}

// buildObjectStore sets up the filesystem object store. Without a configured
// signing secret an ephemeral one is generated; presigned URLs then stop
// verifying across restarts.
func buildObjectStore(cfg *config.Config, h *home.Dir, logger *slog.Logger) (*objectstore.FS, error) {
	root := cfg.Storage.ObjectsRoot
	if root == "" {
		root = h.ObjectsPath()
	}

	secret := cfg.URLSigningSecret()
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate url secret: %w", err)
		}
		logger.Warn("storage.url_secret not set, using ephemeral signing key")
	}

	baseURL := cfg.Server.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%s", cfg.Server.Host, cfg.Server.Port)
	}

	return objectstore.NewFS(root, baseURL, secret, logger)
}

// buildQueue constructs the configured queue backend.
func buildQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Queue, error) {
	switch cfg.Queue.Kind {
	case "", "memory":
		return queue.NewMemory(cfg.Queue.Buffer), nil
	case "nats":
		return queue.ConnectNATS(ctx, cfg.Queue.NATS, logger)
	default:
		return nil, fmt.Errorf("unknown queue kind %q", cfg.Queue.Kind)
	}
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (overrides config)")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (overrides config)")

	rootCmd.AddCommand(serveCmd)
}
