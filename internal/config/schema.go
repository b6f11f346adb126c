package config

import (
	"github.com/jackzampolin/narrator/internal/providers"
	"github.com/jackzampolin/narrator/internal/queue"
)

// Config holds narrator configuration.
// Loaded from ./config.yaml or ~/.narrator/config.yaml.
type Config struct {
	Server       ServerCfg                               `mapstructure:"server" yaml:"server"`
	Storage      StorageCfg                              `mapstructure:"storage" yaml:"storage"`
	Queue        QueueCfg                                `mapstructure:"queue" yaml:"queue"`
	Engine       EngineCfg                               `mapstructure:"engine" yaml:"engine"`
	Logging      LoggingCfg                              `mapstructure:"logging" yaml:"logging"`
	TTSProviders map[string]providers.TTSProviderConfig  `mapstructure:"tts_providers" yaml:"tts_providers"`
	LLMProviders map[string]providers.LLMProviderConfig  `mapstructure:"llm_providers" yaml:"llm_providers"`
	Defaults     DefaultsCfg                             `mapstructure:"defaults" yaml:"defaults"`
}

// ServerCfg configures the HTTP server.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
	// BaseURL is the externally visible URL presigned file links are built
	// against. Empty means http://{host}:{port}.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// StorageCfg configures the SQLite database and the object store.
type StorageCfg struct {
	// DatabasePath overrides the SQLite file location.
	// Empty uses {home}/data/narrator.db.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	// ObjectsRoot overrides the object store root directory.
	// Empty uses {home}/objects.
	ObjectsRoot string `mapstructure:"objects_root" yaml:"objects_root"`
	// URLSecret signs presigned download URLs (supports ${ENV_VAR} syntax).
	URLSecret string `mapstructure:"url_secret" yaml:"url_secret"`
}

// QueueCfg selects and configures the job queue backend.
type QueueCfg struct {
	// Kind is "memory" or "nats".
	Kind string `mapstructure:"kind" yaml:"kind"`
	// Buffer is the in-memory queue capacity (kind: memory).
	Buffer int `mapstructure:"buffer" yaml:"buffer"`
	// NATS holds JetStream connection settings (kind: nats).
	NATS queue.NATSConfig `mapstructure:"nats" yaml:"nats"`
}

// EngineCfg configures worker pools.
type EngineCfg struct {
	// Workers is the number of engine dequeue workers.
	Workers int `mapstructure:"workers" yaml:"workers"`
	// SynthWorkers is the per-job synthesis fan-out.
	SynthWorkers int `mapstructure:"synth_workers" yaml:"synth_workers"`
}

// LoggingCfg configures slog output.
type LoggingCfg struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// DefaultsCfg specifies default provider selections.
type DefaultsCfg struct {
	TTSProvider string `mapstructure:"tts_provider" yaml:"tts_provider"`
	LLMProvider string `mapstructure:"llm_provider" yaml:"llm_provider"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerCfg{
			Host: "127.0.0.1",
			Port: "8080",
		},
		Storage: StorageCfg{
			URLSecret: "${NARRATOR_URL_SECRET}",
		},
		Queue: QueueCfg{
			Kind:   "memory",
			Buffer: 256,
			NATS:   queue.DefaultNATSConfig(),
		},
		Engine: EngineCfg{
			Workers:      4,
			SynthWorkers: 3,
		},
		Logging: LoggingCfg{
			Level:  "info",
			Format: "text",
		},
		TTSProviders: map[string]providers.TTSProviderConfig{
			"openai": {
				Type:      "openai",
				Model:     "tts-1-hd",
				Voice:     "onyx",
				APIKey:    "${OPENAI_API_KEY}",
				Speed:     1.0,
				RateLimit: 480,
				Enabled:   true,
			},
		},
		LLMProviders: map[string]providers.LLMProviderConfig{
			"openai": {
				Type:    "openai",
				Model:   "gpt-4o-mini",
				APIKey:  "${OPENAI_API_KEY}",
				Enabled: true,
			},
		},
		Defaults: DefaultsCfg{
			TTSProvider: "openai",
			LLMProvider: "openai",
		},
	}
}

// GetTTSProvider returns a TTS provider config by name.
func (c *Config) GetTTSProvider(name string) (providers.TTSProviderConfig, bool) {
	cfg, ok := c.TTSProviders[name]
	return cfg, ok
}

// GetLLMProvider returns an LLM provider config by name.
func (c *Config) GetLLMProvider(name string) (providers.LLMProviderConfig, bool) {
	cfg, ok := c.LLMProviders[name]
	return cfg, ok
}

// EnabledTTSProviders returns all enabled TTS providers.
func (c *Config) EnabledTTSProviders() map[string]providers.TTSProviderConfig {
	result := make(map[string]providers.TTSProviderConfig)
	for name, cfg := range c.TTSProviders {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}
