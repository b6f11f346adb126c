package providers

import (
	"fmt"
	"log/slog"
	"sync"
)

// TTSProviderConfig configures one synthesis provider entry.
type TTSProviderConfig struct {
	Type      string  `mapstructure:"type" yaml:"type"`
	Model     string  `mapstructure:"model" yaml:"model"`
	Voice     string  `mapstructure:"voice" yaml:"voice"`
	APIKey    string  `mapstructure:"api_key" yaml:"api_key"`
	Speed     float64 `mapstructure:"speed" yaml:"speed"`
	RateLimit int     `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per minute
	Enabled   bool    `mapstructure:"enabled" yaml:"enabled"`
}

// LLMProviderConfig configures one analysis provider entry.
type LLMProviderConfig struct {
	Type    string `mapstructure:"type" yaml:"type"`
	Model   string `mapstructure:"model" yaml:"model"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
}

// RegistryConfig is the full provider configuration.
type RegistryConfig struct {
	TTSProviders map[string]TTSProviderConfig
	LLMProviders map[string]LLMProviderConfig
}

// Registry instantiates and holds providers from configuration. Reload swaps
// the provider set on config changes; handed-out providers stay valid for
// in-flight work.
type Registry struct {
	mu       sync.RWMutex
	tts      map[string]TTSProvider
	llm      map[string]LLMClient
	limiters map[string]*RateLimiter
	logger   *slog.Logger
}

// NewRegistry builds providers from config. Unknown types are skipped with a
// warning rather than failing startup.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tts:      make(map[string]TTSProvider),
		llm:      make(map[string]LLMClient),
		limiters: make(map[string]*RateLimiter),
		logger:   logger,
	}
	r.Reload(cfg)
	return r
}

// Reload rebuilds the provider set from config.
func (r *Registry) Reload(cfg RegistryConfig) {
	tts := make(map[string]TTSProvider)
	llm := make(map[string]LLMClient)

	for name, pc := range cfg.TTSProviders {
		if !pc.Enabled {
			continue
		}
		switch pc.Type {
		case "openai":
			tts[name] = NewOpenAITTSClient(OpenAITTSConfig{
				APIKey: pc.APIKey,
				Model:  pc.Model,
				Voice:  pc.Voice,
				Speed:  pc.Speed,
			})
		case "mock":
			tts[name] = NewMockTTS()
		default:
			r.logger.Warn("unknown tts provider type, skipping",
				"name", name, "type", pc.Type)
			continue
		}

		r.mu.Lock()
		if _, ok := r.limiters[name]; !ok {
			r.limiters[name] = NewRateLimiter(pc.RateLimit)
		}
		r.mu.Unlock()
	}

	for name, pc := range cfg.LLMProviders {
		if !pc.Enabled {
			continue
		}
		switch pc.Type {
		case "openai":
			llm[name] = NewOpenAILLMClient(OpenAILLMConfig{
				APIKey: pc.APIKey,
				Model:  pc.Model,
			})
		case "mock":
			llm[name] = &MockLLM{}
		default:
			r.logger.Warn("unknown llm provider type, skipping",
				"name", name, "type", pc.Type)
		}
	}

	r.mu.Lock()
	r.tts = tts
	r.llm = llm
	r.mu.Unlock()
}

// TTS returns the named synthesis provider. An empty name returns the sole
// provider when exactly one is configured.
func (r *Registry) TTS(name string) (TTSProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		if len(r.tts) == 1 {
			for _, p := range r.tts {
				return p, nil
			}
		}
		if p, ok := r.tts[OpenAITTSName]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("no default tts provider configured")
	}
	p, ok := r.tts[name]
	if !ok {
		return nil, fmt.Errorf("tts provider %q not configured", name)
	}
	return p, nil
}

// ResolveTTSName maps an empty provider name to the effective default using
// the same rule TTS applies, so limiter lookups land on the configured
// provider instead of a fresh ""-keyed limiter. Unknown names pass through.
func (r *Registry) ResolveTTSName(name string) string {
	if name != "" {
		return name
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.tts) == 1 {
		for n := range r.tts {
			return n
		}
	}
	if _, ok := r.tts[OpenAITTSName]; ok {
		return OpenAITTSName
	}
	return name
}

// Limiter returns the named provider's shared rate limiter.
func (r *Registry) Limiter(name string) *RateLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[name]
	if !ok {
		l = NewRateLimiter(0)
		r.limiters[name] = l
	}
	return l
}

// LLM returns the named analysis client, or nil when none is configured.
// Chapter analysis is best effort; callers treat nil as "skip refinement".
func (r *Registry) LLM(name string) LLMClient {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		for _, c := range r.llm {
			return c
		}
		return nil
	}
	return r.llm[name]
}

// TTSNames lists configured synthesis providers.
func (r *Registry) TTSNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tts))
	for name := range r.tts {
		names = append(names, name)
	}
	return names
}
